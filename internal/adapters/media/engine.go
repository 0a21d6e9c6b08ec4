// Package media implements core.MediaRoom and core.DeviceCapturer on
// top of pion/webrtc and pion/mediadevices. It is the stand-in for the
// vendor media SDK: join a room, publish captured tracks, receive the
// counterparts' tracks.
package media

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
)

// Engine bundles the codec selector and the webrtc API. Capture tracks
// must be created with the same selector that populated the media
// engine, so the capturer and the room share one Engine.
type Engine struct {
	selector *mediadevices.CodecSelector
	api      *webrtc.API
	stun     []string
}

func NewEngine(stunServers []string) (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &Engine{selector: selector, api: api, stun: stunServers}, nil
}

func (e *Engine) rtcConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: e.stun}},
	}
}
