package build

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionForType(t *testing.T) {
	v, err := VersionForType(NodeSettler)
	require.NoError(t, err)
	require.Equal(t, "0.4.0", v.String())
	require.True(t, v.Compatible(APIVersion{0, 4, 7}))
	require.False(t, v.Compatible(APIVersion{0, 5, 0}))

	_, err = VersionForType(NodeUnknown)
	require.Error(t, err)
}
