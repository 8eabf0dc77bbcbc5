// Package rtc establishes the shared video session over WebRTC.
package rtc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/core"
)

// SessionCredential is the one-shot grant for the shared session: the
// endpoint to exchange descriptions with and the token authorizing it.
type SessionCredential struct {
	Token string
	URL   string
}

// TokenFunc fetches one short-lived session credential. Called once
// per dial attempt.
type TokenFunc func(ctx context.Context) (SessionCredential, error)

type Dialer struct {
	tokens   TokenFunc
	cfg      webrtc.Configuration
	http     *http.Client
	onClosed func()
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewDialer(tokens TokenFunc, cfg webrtc.Configuration) *Dialer {
	return &Dialer{
		tokens: tokens,
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// OnClosed sets an application-level callback for session teardown.
func (d *Dialer) OnClosed(fn func()) { d.onClosed = fn }

// Dial consumes a credential, builds the peer connection and runs the
// offer/answer exchange against the credential's endpoint. The
// returned session is cached by the connection guard; the guard owns
// Close.
func (d *Dialer) Dial(ctx context.Context) (core.Session, error) {
	cred, err := d.tokens(ctx)
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(d.cfg)
	if err != nil {
		return nil, err
	}

	sess := &session{id: uuid.NewString(), pc: pc, onClosed: d.onClosed}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("session", sess.id).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("session", sess.id).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if sess.onClosed != nil {
				sess.onClosed()
			}
		}
	})

	// The control channel gives the offer a media section before any
	// track is published.
	if _, err := pc.CreateDataChannel("control", nil); err != nil {
		_ = pc.Close()
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}

	answer, err := d.exchange(ctx, cred, offer.SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	log.Info().Str("module", "rtc").Str("session", sess.id).Msg("session established")
	return sess, nil
}

// exchange posts the local offer to the session endpoint, authorized
// by the one-shot token, and returns the remote answer SDP.
func (d *Dialer) exchange(ctx context.Context, cred SessionCredential, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.URL, strings.NewReader(offer))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("session exchange: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type session struct {
	id       string
	pc       *webrtc.PeerConnection
	onClosed func()
}

func (s *session) ID() string { return s.id }

func (s *session) Close() error {
	err := s.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("session", s.id).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("session", s.id).Msg("closed")
	}
	return err
}
