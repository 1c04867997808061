package dtypes

import (
	"github.com/multiformats/go-multiaddr"
)

type APIEndpoint multiaddr.Multiaddr

type AdminEndpoint multiaddr.Multiaddr
