package certificate

// Status represents the certificate lifecycle state. The zero value for a
// new Manager is StatusNoCertificate. Status values only change through the
// Manager's transition function, which validates the edge and notifies the
// registered status observer.
type Status string

const (
	StatusAcmeAccountCreating           Status = "acme_account_creating"
	StatusAcmeAccountCreated            Status = "acme_account_created"
	StatusCertificateFinalizing         Status = "certificate_finalizing"
	StatusCertificateFinalizationFailed Status = "certificate_finalization_failed"
	StatusCertificateLoadError          Status = "certificate_load_error"
	StatusChallengeAnswerFailed         Status = "challenge_answer_failed"
	StatusChallengeAnswered             Status = "challenge_answered"
	StatusChallengeAnswering            Status = "challenge_answering"
	StatusChallengeCleanup              Status = "challenge_cleanup"
	StatusChallengeCreated              Status = "challenge_created"
	StatusChallengeDNSFailed            Status = "challenge_dns_failed"
	StatusChallengeDNSPropagating       Status = "challenge_dns_propagating"
	StatusChallengeDNSUpdated           Status = "challenge_dns_updated"
	StatusChallengeDNSUpdating          Status = "challenge_dns_updating"
	StatusChallengePending              Status = "challenge_pending"
	StatusChallengeUnexpectedError      Status = "challenge_unexpected_error"
	StatusCSRGenerating                 Status = "csr_generating"
	StatusDomainValidationFailed        Status = "domain_validation_failed"
	StatusError                         Status = "error"
	StatusExpired                       Status = "expired"
	StatusExpiringSoon                  Status = "expiring_soon"
	StatusGenerating                    Status = "generating"
	StatusInitialCertError              Status = "initial_cert_error"
	StatusInitialGenerating             Status = "initial_generating"
	StatusInitialLoaded                 Status = "initial_loaded"
	StatusLoaded                        Status = "loaded"
	StatusLoading                       Status = "loading"
	StatusNoCertificate                 Status = "no_certificate"
	StatusReady                         Status = "ready"
	StatusRenewalFailed                 Status = "renewal_failed"
	StatusRenewalGenerating             Status = "renewal_generating"
	StatusRenewalLoaded                 Status = "renewal_loaded"
	StatusSSLContextError               Status = "ssl_context_error"
	StatusValidating                    Status = "validating"
)

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// IsError reports whether the status is one of the failure states.
func (s Status) IsError() bool {
	switch s {
	case StatusCertificateFinalizationFailed,
		StatusCertificateLoadError,
		StatusChallengeAnswerFailed,
		StatusChallengeDNSFailed,
		StatusChallengeUnexpectedError,
		StatusDomainValidationFailed,
		StatusError,
		StatusExpired,
		StatusInitialCertError,
		StatusRenewalFailed,
		StatusSSLContextError:
		return true
	}
	return false
}

// generatingStatuses are valid entry points into the issuance flow.
var generatingStatuses = []Status{
	StatusGenerating, StatusInitialGenerating, StatusRenewalGenerating,
}

// transitions is the exhaustive edge set of the certificate state machine.
// An edge missing from this table is a programming error surfaced by the
// transition function, never silently applied.
var transitions = map[Status][]Status{
	StatusNoCertificate: {StatusLoading, StatusGenerating, StatusInitialGenerating, StatusSSLContextError},
	StatusLoading:       {StatusLoaded, StatusInitialLoaded, StatusRenewalLoaded, StatusCertificateLoadError, StatusNoCertificate},
	StatusLoaded:        {StatusValidating},
	StatusInitialLoaded: {StatusValidating},
	StatusRenewalLoaded: {StatusValidating},
	StatusValidating:    {StatusReady, StatusExpired, StatusExpiringSoon, StatusDomainValidationFailed, StatusSSLContextError},

	StatusReady:        append([]Status{StatusValidating, StatusLoading, StatusSSLContextError}, generatingStatuses...),
	StatusExpired:      generatingStatuses,
	StatusExpiringSoon: append([]Status{StatusValidating}, generatingStatuses...),

	// Issuance flow.
	StatusGenerating:          {StatusAcmeAccountCreating},
	StatusInitialGenerating:   {StatusAcmeAccountCreating},
	StatusRenewalGenerating:   {StatusAcmeAccountCreating},
	StatusAcmeAccountCreating: {StatusAcmeAccountCreated, StatusError},
	StatusAcmeAccountCreated:  {StatusCSRGenerating},
	StatusCSRGenerating:       {StatusChallengePending, StatusError},
	StatusChallengePending:    {StatusChallengeCreated, StatusChallengeUnexpectedError, StatusError},

	StatusChallengeCreated:        {StatusChallengeDNSUpdating, StatusChallengeUnexpectedError},
	StatusChallengeDNSUpdating:    {StatusChallengeDNSUpdated, StatusChallengeDNSFailed},
	StatusChallengeDNSUpdated:     {StatusChallengeDNSPropagating},
	StatusChallengeDNSPropagating: {StatusChallengeAnswering, StatusChallengeUnexpectedError},
	StatusChallengeAnswering:      {StatusChallengeAnswered, StatusChallengeAnswerFailed, StatusChallengeUnexpectedError},
	StatusChallengeAnswered:       {StatusChallengeCleanup},
	StatusChallengeCleanup:        {StatusCertificateFinalizing, StatusChallengeAnswerFailed},

	StatusCertificateFinalizing: {StatusLoading, StatusCertificateFinalizationFailed},

	// Failure aggregation: every step failure funnels into StatusError,
	// which resolves into the initial/renewal flavor reported to callers.
	StatusChallengeDNSFailed:            {StatusError},
	StatusChallengeAnswerFailed:         {StatusError},
	StatusChallengeUnexpectedError:      {StatusError},
	StatusCertificateFinalizationFailed: {StatusError},
	StatusCertificateLoadError:          append([]Status{StatusError, StatusLoading}, generatingStatuses...),
	StatusDomainValidationFailed:        append([]Status{StatusError, StatusLoading}, generatingStatuses...),
	StatusSSLContextError:               append([]Status{StatusError, StatusLoading, StatusValidating}, generatingStatuses...),
	StatusError:                         {StatusInitialCertError, StatusRenewalFailed},

	// Terminal error flavors; the next attempt starts a fresh flow.
	StatusInitialCertError: append([]Status{StatusLoading}, generatingStatuses...),
	StatusRenewalFailed:    append([]Status{StatusLoading, StatusValidating}, generatingStatuses...),
}

// canTransition reports whether the edge from -> to is defined.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
