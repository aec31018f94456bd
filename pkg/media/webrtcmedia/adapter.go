// Package webrtcmedia implements media.Adapter on pion/webrtc with an
// Opus-only audio peer connection. Offers and answers are returned after ICE
// gathering completes, so candidates travel inside the SDP.
package webrtcmedia

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/media"
)

// Config holds peer connection settings
type Config struct {
	ICEServers []string
}

// Adapter builds pion peer connections
type Adapter struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewAdapter registers Opus and the default interceptors and returns an adapter
func NewAdapter(cfg Config) (*Adapter, error) {
	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to register opus: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Adapter{api: api, config: config}, nil
}

// CreateSession opens a peer connection with one send/receive audio track
func (a *Adapter) CreateSession(_ context.Context) (media.Session, error) {
	pc, err := a.api.NewPeerConnection(a.config)
	if err != nil {
		return nil, media.NewSetupError(media.CauseDevice, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicecall-"+uuid.NewString())
	if err != nil {
		pc.Close()
		return nil, media.NewSetupError(media.CauseDevice, err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, media.NewSetupError(media.CauseDevice, err)
	}

	s := &session{pc: pc}
	pc.OnICECandidate(s.handleICECandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	return s, nil
}

type session struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(media.Candidate)
	onState     func(media.ConnectionState)
	closeOnce   sync.Once
}

func (s *session) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", media.NewSetupError(media.CauseNegotiation, err)
	}
	return s.setLocal(ctx, offer)
}

func (s *session) ApplyRemoteOffer(_ context.Context, offer string) error {
	if err := ValidateAudio(offer); err != nil {
		return err
	}
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err != nil {
		return media.NewSetupError(media.CauseNegotiation, err)
	}
	return nil
}

func (s *session) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", media.NewSetupError(media.CauseNegotiation, err)
	}
	return s.setLocal(ctx, answer)
}

func (s *session) ApplyRemoteAnswer(_ context.Context, answer string) error {
	if err := ValidateAudio(answer); err != nil {
		return err
	}
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	if err != nil {
		return media.NewSetupError(media.CauseNegotiation, err)
	}
	return nil
}

func (s *session) AddRemoteCandidate(candidate media.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (s *session) OnLocalCandidate(fn func(media.Candidate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = fn
}

func (s *session) OnConnectionStateChange(fn func(media.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pc.Close()
	})
	return err
}

// setLocal applies desc and waits for ICE gathering to finish
func (s *session) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return "", media.NewSetupError(media.CauseNegotiation, err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", media.NewSetupError(media.CauseNegotiation, fmt.Errorf("ice gathering: %w", ctx.Err()))
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", media.NewSetupError(media.CauseNegotiation, fmt.Errorf("no local description"))
	}
	return local.SDP, nil
}

func (s *session) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn == nil {
		return
	}

	init := c.ToJSON()
	fn(media.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

func (s *session) handleConnectionState(state webrtc.PeerConnectionState) {
	mapped, ok := mapState(state)
	if !ok {
		return
	}
	logger.Debug("Peer connection state changed", zap.String("state", state.String()))

	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(mapped)
	}
}

func mapState(state webrtc.PeerConnectionState) (media.ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return media.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return media.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return media.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return media.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return media.StateClosed, true
	default:
		return "", false
	}
}

// ValidateAudio checks that a session description parses and offers audio
func ValidateAudio(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return media.NewSetupError(media.CauseNegotiation, fmt.Errorf("invalid session description: %w", err))
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return media.NewSetupError(media.CauseNegotiation, fmt.Errorf("session description carries no audio"))
}
