package rtc

import (
	"github.com/dkeye/Cast/internal/config"
	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/logging"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Factory builds peer connections sharing one configured pion API.
type Factory struct {
	api  *webrtc.API
	conf webrtc.Configuration
}

var _ core.TransportFactory = (*Factory)(nil)

func NewFactory(conf config.WebRTC) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if !conf.DisableDefaultInterceptors {
		if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
			return nil, err
		}
	}

	pionLogger := logging.NewPionLogger(logging.ParseLevel(conf.LogLevel))
	s := webrtc.SettingEngine{LoggerFactory: pionLogger}
	if conf.HasPortRange() {
		if err := s.SetEphemeralUDPPortRange(conf.ICEPortMin, conf.ICEPortMax); err != nil {
			return nil, err
		}
		log.Info().Str("module", "webrtc").Uint16("min", conf.ICEPortMin).Uint16("max", conf.ICEPortMax).Msg("ICE port range")
	}
	if len(conf.NAT1To1IPs) > 0 {
		s.SetNAT1To1IPs(conf.NAT1To1IPs, webrtc.ICECandidateTypeHost)
		log.Info().Str("module", "webrtc").Strs("ips", conf.NAT1To1IPs).Msg("NAT 1:1 mapping")
	}
	if conf.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	c := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	for _, server := range conf.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	return &Factory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf: c,
	}, nil
}

func (f *Factory) NewConnection(sid core.SessionID) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, err
	}
	return newWebRTCConnection(pc, sid), nil
}
