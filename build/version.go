package build

import (
	"fmt"
	"os"

	"golang.org/x/xerrors"
)

// CurrentCommit is stamped at link time with
// -ldflags "-X github.com/giggossip/giggossip/build.CurrentCommit=+git.<sha>".
var CurrentCommit string

// BuildVersion is the release of both daemons.
const BuildVersion = "0.4.0"

func UserVersion() string {
	if os.Getenv("GIG_VERSION_IGNORE_COMMIT") == "1" {
		return BuildVersion
	}
	return BuildVersion + CurrentCommit
}

// APIVersion is the semver of an RPC surface.
type APIVersion struct {
	Major, Minor, Patch uint8
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether peers speaking v and other can interoperate.
// Patch releases never change the wire surface.
func (v APIVersion) Compatible(other APIVersion) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}

type NodeType int

const (
	NodeUnknown NodeType = iota

	NodeSettler
	NodeGossip
)

func (t NodeType) String() string {
	switch t {
	case NodeSettler:
		return "settler"
	case NodeGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

var (
	SettlerAPIVersion = APIVersion{0, 4, 0}
	GossipAPIVersion  = APIVersion{0, 4, 0}
)

func VersionForType(nodeType NodeType) (APIVersion, error) {
	switch nodeType {
	case NodeSettler:
		return SettlerAPIVersion, nil
	case NodeGossip:
		return GossipAPIVersion, nil
	default:
		return APIVersion{}, xerrors.Errorf("unknown node type %d", nodeType)
	}
}
