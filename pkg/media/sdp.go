package media

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// Format - статический формат полезной нагрузки для m=audio.
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// SDPConfig - настройки SDPEngine.
type SDPConfig struct {
	// Адрес, публикуемый в c= и o=
	Address string
	// Первый RTP порт; каждая сессия получает следующий четный порт
	BasePort int
	// Диапазон портов, после которого нумерация начинается заново
	PortRange   int
	SessionName string
	Formats     []Format
	Logger      *slog.Logger
}

// DefaultSDPConfig возвращает конфигурацию с PCMU/PCMA.
func DefaultSDPConfig() SDPConfig {
	return SDPConfig{
		Address:     "127.0.0.1",
		BasePort:    20000,
		PortRange:   10000,
		SessionName: "sipua",
		Formats: []Format{
			{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
			{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
		},
	}
}

// Validate проверяет конфигурацию.
func (c SDPConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("адрес медиа не задан")
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("некорректный базовый порт: %d", c.BasePort)
	}
	if len(c.Formats) == 0 {
		return fmt.Errorf("список форматов пуст")
	}
	return nil
}

// SDPEngine формирует offer/answer и проверяет удаленный answer.
type SDPEngine struct {
	cfg     SDPConfig
	logger  *slog.Logger
	counter atomic.Uint32
}

// NewSDPEngine создает движок.
func NewSDPEngine(cfg SDPConfig) (*SDPEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid sdp config")
	}
	if cfg.PortRange < 2 {
		cfg.PortRange = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SDPEngine{cfg: cfg, logger: logger.With(slog.String("component", "media"))}, nil
}

// NewSession выделяет порт и создает сессию вызова.
func (e *SDPEngine) NewSession(callID string) Session {
	n := int(e.counter.Add(1)-1) % (e.cfg.PortRange / 2)
	return &sdpSession{
		engine: e,
		callID: callID,
		port:   e.cfg.BasePort + 2*n,
		id:     uint64(time.Now().UnixNano()),
	}
}

type sdpSession struct {
	engine *SDPEngine
	callID string
	port   int
	id     uint64

	mu      sync.Mutex
	version uint64
	offered []Format
	closed  bool
}

func (s *sdpSession) CreateOffer(_ context.Context) *Future[string] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Failed[string](ErrSessionClosed)
	}

	s.offered = s.engine.cfg.Formats
	body, err := s.marshal(s.offered)
	if err != nil {
		return Failed[string](err)
	}
	s.engine.logger.Debug("SDP offer создан", slog.String("call_id", s.callID), slog.Int("port", s.port))
	return Resolved(body)
}

func (s *sdpSession) CreateAnswer(_ context.Context, remoteOffer string) *Future[string] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Failed[string](ErrSessionClosed)
	}

	audio, err := parseAudio(remoteOffer)
	if err != nil {
		return Failed[string](err)
	}

	common := s.intersect(audio.MediaName.Formats)
	if len(common) == 0 {
		return Failed[string](fmt.Errorf("%w: нет общих форматов", ErrNegotiation))
	}

	body, err := s.marshal(common)
	if err != nil {
		return Failed[string](err)
	}
	s.engine.logger.Debug("SDP answer создан", slog.String("call_id", s.callID), slog.Int("formats", len(common)))
	return Resolved(body)
}

func (s *sdpSession) SetRemoteAnswer(_ context.Context, answer string) *Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Failed[struct{}](ErrSessionClosed)
	}
	if s.offered == nil {
		return Failed[struct{}](fmt.Errorf("%w: answer без offer", ErrNegotiation))
	}

	audio, err := parseAudio(answer)
	if err != nil {
		return Failed[struct{}](err)
	}
	if audio.MediaName.Port.Value == 0 {
		return Failed[struct{}](fmt.Errorf("%w: аудио поток отклонен", ErrNegotiation))
	}
	if len(s.intersect(audio.MediaName.Formats)) == 0 {
		return Failed[struct{}](fmt.Errorf("%w: answer не содержит предложенных форматов", ErrNegotiation))
	}
	return Resolved(struct{}{})
}

func (s *sdpSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// intersect сохраняет порядок удаленной стороны.
func (s *sdpSession) intersect(remote []string) []Format {
	var out []Format
	for _, pt := range remote {
		for _, f := range s.engine.cfg.Formats {
			if strconv.Itoa(int(f.PayloadType)) == pt {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func (s *sdpSession) marshal(formats []Format) (string, error) {
	cfg := s.engine.cfg
	s.version++

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.id,
			SessionVersion: s.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cfg.Address,
		},
		SessionName: sdp.SessionName(cfg.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: s.port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, f := range formats {
		audio.MediaName.Formats = append(audio.MediaName.Formats, strconv.Itoa(int(f.PayloadType)))
		audio.Attributes = append(audio.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)))
	}
	audio.Attributes = append(audio.Attributes, sdp.NewPropertyAttribute("sendrecv"))
	desc.MediaDescriptions = []*sdp.MediaDescription{audio}

	raw, err := desc.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "marshal sdp")
	}
	return string(raw), nil
}

func parseAudio(body string) (*sdp.MediaDescription, error) {
	if body == "" {
		return nil, fmt.Errorf("%w: пустое SDP", ErrNegotiation)
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, errors.Wrap(err, "unmarshal sdp"))
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md, nil
		}
	}
	return nil, fmt.Errorf("%w: аудио медиа описание не найдено", ErrNegotiation)
}
