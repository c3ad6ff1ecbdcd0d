package call

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the part of *webrtc.PeerConnection the coordinator drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerFactory builds a peer connection for one call.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// DefaultConfiguration uses STUN only; there is no TURN fallback, so calls
// between peers that cannot reach each other fail.
func DefaultConfiguration(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunURLs},
		},
	}
}

// PionFactory builds real pion peer connections from api. A nil api uses
// pion's default media engine and interceptors.
func PionFactory(api *webrtc.API) PeerFactory {
	return func(cfg webrtc.Configuration) (PeerConnection, error) {
		var (
			pc  *webrtc.PeerConnection
			err error
		)
		if api == nil {
			pc, err = webrtc.NewPeerConnection(cfg)
		} else {
			pc, err = api.NewPeerConnection(cfg)
		}
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}
