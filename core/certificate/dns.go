package certificate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"

	"github.com/dmitrymomot/cloudagent/pkg/logger"
)

// DNSUpdater mutates the cloud-managed TXT record used to answer the
// DNS-01 challenge. Implementations call the cloud backend's DNS API.
type DNSUpdater interface {
	// CreateTXT publishes the challenge value as a TXT record for the domain.
	CreateTXT(ctx context.Context, domain, value string) error
	// DeleteTXT removes the challenge TXT record for the domain.
	DeleteTXT(ctx context.Context, domain string) error
}

// dnsSolver bridges the DNSUpdater into the ACME library's challenge
// provider contract and drives the challenge portion of the status machine.
// One solver serves exactly one issuance flow.
type dnsSolver struct {
	m    *Manager
	dns  DNSUpdater
	wait time.Duration

	// ctx is the flow context. Cleanup deliberately detaches from its
	// cancellation so the TXT record is removed even when the flow is
	// cancelled mid-challenge.
	ctx    context.Context
	failed bool
}

// Present creates the TXT record and waits the fixed propagation delay
// before the CA is asked to validate.
func (s *dnsSolver) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)

	if err := s.m.transition(StatusChallengeCreated); err != nil {
		return err
	}
	if err := s.m.transition(StatusChallengeDNSUpdating); err != nil {
		return err
	}

	if err := s.dns.CreateTXT(s.ctx, domain, info.Value); err != nil {
		s.failed = true
		_ = s.m.transition(StatusChallengeDNSFailed)
		s.m.logger.ErrorContext(s.ctx, "failed to set challenge token in cloud DNS",
			logger.Error(err), logger.Domain(domain), logger.Component("certificate"))
		return fmt.Errorf("%w: %w", ErrDNSUpdate, err)
	}

	if err := s.m.transition(StatusChallengeDNSUpdated); err != nil {
		return err
	}
	if err := s.m.transition(StatusChallengeDNSPropagating); err != nil {
		return err
	}

	s.m.logger.InfoContext(s.ctx, "waiting for DNS propagation before validation",
		logger.Duration(s.wait), logger.Domain(domain), logger.Component("certificate"))

	select {
	case <-s.ctx.Done():
		s.failed = true
		return s.ctx.Err()
	case <-time.After(s.wait):
	}

	return s.m.transition(StatusChallengeAnswering)
}

// CleanUp removes the TXT record. It runs on success and failure alike,
// and survives flow cancellation.
func (s *dnsSolver) CleanUp(domain, token, keyAuth string) error {
	if !s.failed {
		_ = s.m.transition(StatusChallengeAnswered)
		_ = s.m.transition(StatusChallengeCleanup)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
	defer cancel()

	if err := s.dns.DeleteTXT(ctx, domain); err != nil {
		s.m.logger.ErrorContext(ctx, "failed to clean up challenge record from cloud DNS",
			logger.Error(err), logger.Domain(domain), logger.Component("certificate"))
		return fmt.Errorf("%w: %w", ErrDNSUpdate, err)
	}

	s.m.logger.DebugContext(ctx, "challenge record cleaned up",
		slog.String("domain", domain))
	return nil
}
