package cluster

import "github.com/najoast/meshgo/codec"

// RemoteCallFault travels the return path of a Call when the remote side
// could not produce a normal response. Canceled distinguishes cancellation
// from dispatch errors; the type tag and message describe the remote error.
type RemoteCallFault struct {
	Canceled bool   `json:"canceled"`
	TypeTag  string `json:"type_tag"`
	Message  string `json:"message"`
}

func init() {
	codec.Register[RemoteCallFault]("meshgo.fault")
}
