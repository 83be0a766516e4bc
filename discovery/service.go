package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"devicelink/models"
)

// Config configures both discovery channels.
type Config struct {
	SelfDeviceID string
	DeviceName   string
	PublicKey    string
	ServicePort  int

	DiscoveryPort int
	ProbeInterval time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
	MDNSService   string

	DisableUDP  bool
	DisableMDNS bool

	KnownAddresses func() []string

	Clock  clock.Clock
	Logger *zap.Logger
}

// Service runs the UDP broadcast and mDNS channels against one shared
// candidate collection.
type Service struct {
	logger     *zap.Logger
	candidates *Candidates

	udpCfg  UDPConfig
	mdnsCfg MDNSConfig

	disableUDP  bool
	disableMDNS bool

	goodbyeListenFn listenPacketFunc

	mu         sync.Mutex
	running    bool
	udp        *UDPChannel
	advertiser *Advertiser
	browser    *Browser
	goodbye    *GoodbyeListener
}

// NewService validates config and prepares a stopped service.
func NewService(cfg Config) (*Service, error) {
	if cfg.SelfDeviceID == "" {
		return nil, errors.New("self device ID is required")
	}
	if cfg.DisableUDP && cfg.DisableMDNS {
		return nil, errors.New("at least one discovery channel must be enabled")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Service{
		logger:     logger.Named("discovery"),
		candidates: NewCandidates(),
		udpCfg: UDPConfig{
			SelfDeviceID:   cfg.SelfDeviceID,
			DeviceName:     cfg.DeviceName,
			ServicePort:    cfg.ServicePort,
			DiscoveryPort:  cfg.DiscoveryPort,
			ProbeInterval:  cfg.ProbeInterval,
			StaleAfter:     cfg.StaleAfter,
			SweepInterval:  cfg.SweepInterval,
			KnownAddresses: cfg.KnownAddresses,
			Clock:          clk,
			Logger:         logger,
		},
		mdnsCfg: MDNSConfig{
			Service:      cfg.MDNSService,
			SelfDeviceID: cfg.SelfDeviceID,
			DeviceName:   cfg.DeviceName,
			PublicKey:    cfg.PublicKey,
			ServicePort:  cfg.ServicePort,
			Clock:        clk,
			Logger:       logger,
		},
		disableUDP:  cfg.DisableUDP,
		disableMDNS: cfg.DisableMDNS,
	}, nil
}

// Events exposes candidate upsert/remove notifications. The channel stays
// open across Start/Stop cycles.
func (s *Service) Events() <-chan Event {
	return s.candidates.Events()
}

// Candidates returns the current candidate snapshot.
func (s *Service) Candidates() []models.PeerDescriptor {
	return s.candidates.List()
}

// Candidate returns one candidate by device ID.
func (s *Service) Candidate(deviceID string) (models.PeerDescriptor, bool) {
	return s.candidates.Get(deviceID)
}

// Start clears prior candidate state and starts every enabled channel. It
// fails only when no channel could be started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.candidates.Clear()

	var startErr error
	started := 0

	if !s.disableUDP {
		if err := s.startUDP(ctx); err != nil {
			s.logger.Warn("udp discovery unavailable", zap.Error(err))
			startErr = multierr.Append(startErr, err)
		} else {
			started++
		}
	}
	if !s.disableMDNS {
		if err := s.startMDNS(ctx); err != nil {
			s.logger.Warn("mDNS discovery unavailable", zap.Error(err))
			startErr = multierr.Append(startErr, err)
		} else {
			started++
		}
	}

	if started == 0 {
		return fmt.Errorf("start discovery: %w", startErr)
	}
	s.running = true
	return nil
}

func (s *Service) startUDP(ctx context.Context) error {
	udp, err := NewUDPChannel(s.udpCfg, s.candidates)
	if err != nil {
		return err
	}
	if err := udp.Start(ctx); err != nil {
		return err
	}
	s.udp = udp
	return nil
}

func (s *Service) startMDNS(ctx context.Context) error {
	advertiser, err := StartAdvertiser(s.mdnsCfg)
	if err != nil {
		return err
	}
	browser, err := NewBrowser(s.mdnsCfg, s.candidates)
	if err != nil {
		advertiser.Stop()
		return err
	}
	if err := browser.Start(); err != nil {
		advertiser.Stop()
		return err
	}
	s.advertiser = advertiser
	s.browser = browser

	goodbye := NewGoodbyeListener(browser.cfg.serviceFQDN(), browser.handleGoodbye, s.logger)
	if s.goodbyeListenFn != nil {
		goodbye.listenFn = s.goodbyeListenFn
	}
	if err := goodbye.Start(ctx); err != nil {
		s.logger.Warn("mDNS goodbye listener unavailable; relying on expiry", zap.Error(err))
		return nil
	}
	s.goodbye = goodbye
	return nil
}

// Refresh forces an immediate mDNS browse window when mDNS is running.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	if browser == nil {
		return nil
	}
	return browser.Refresh(ctx)
}

// Stop tears down every channel and clears candidate state. Safe to call
// repeatedly.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.goodbye != nil {
		err = multierr.Append(err, s.goodbye.Stop())
		s.goodbye = nil
	}
	if s.browser != nil {
		s.browser.Stop()
		s.browser = nil
	}
	if s.advertiser != nil {
		s.advertiser.Stop()
		s.advertiser = nil
	}
	if s.udp != nil {
		err = multierr.Append(err, s.udp.Stop())
		s.udp = nil
	}

	s.running = false
	s.candidates.Clear()
	return err
}
