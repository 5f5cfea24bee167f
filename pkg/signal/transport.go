package signal

import (
	"context"
)

// Transport is the connection object a call drives. It produces local
// descriptions and candidates and consumes the remote ones.
//
// AddRemoteCandidate must accept candidates before the remote description is
// set and must treat a repeated candidate as a no-op.
type Transport interface {
	CreateLocalOffer(ctx context.Context) (SessionDescription, error)
	CreateLocalAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error

	// OnLocalCandidate registers the handler receiving the opaque payload of
	// every locally discovered candidate.
	OnLocalCandidate(func(payload string))
	AddRemoteCandidate(payload string) error

	// OnFailure registers the handler called once the connection is lost for good.
	OnFailure(func(error))

	Close() error
}
