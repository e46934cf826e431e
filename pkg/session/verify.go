package session

import (
	"context"

	"github.com/tlslink/tlslink/pkg/creds"
)

// CheckPeerCredentials performs the post-handshake validation appropriate
// for the session's credential variant. Anonymous and pre-shared-key
// sessions have nothing to validate. X.509 sessions verify the peer's
// certificate chain, unless verification was disabled on the credential
// set.
func (s *Session) CheckPeerCredentials(ctx context.Context) error {
	switch s.creds.Material().(type) {
	case creds.Anon, creds.PSK:
		s.logger.Debug("no peer credentials to check", "variant", s.creds.Material().Variant())
		return nil
	case creds.X509:
		if !s.creds.VerifyPeer() {
			s.logger.Debug("skipping peer certificate verification")
			return nil
		}
		return s.checkCertificate(ctx)
	default:
		return newError(ErrorTypeUnsupportedCredential,
			"unexpected credential type %q", s.creds.Material().Variant())
	}
}

// checkCertificate verifies the peer's chain against the configured trust
// anchors, checks each certificate's validity window, and applies the
// hostname and authorization checks to the leaf. The peer name is recorded
// only once every check has passed.
func (s *Session) checkCertificate(ctx context.Context) error {
	now := s.timeFn()

	status, err := s.engine.VerifyPeerChain(now)
	if err != nil {
		return wrapError(ErrorTypeVerification, err, "unable to verify peer certificate")
	}
	if status != 0 {
		s.metrics.verifyFailed()
		return newError(ErrorTypeVerification, "%s", status.Reason())
	}

	chain := s.engine.PeerCertificates()
	if len(chain) == 0 {
		s.metrics.verifyFailed()
		return newError(ErrorTypeVerification, "no certificate peers")
	}

	for i, cert := range chain {
		if now.After(cert.NotAfter) {
			s.metrics.verifyFailed()
			return newError(ErrorTypeVerification, "the certificate has expired")
		}
		if now.Before(cert.NotBefore) {
			s.metrics.verifyFailed()
			return newError(ErrorTypeVerification, "the certificate is not yet activated")
		}

		if i != 0 {
			continue
		}

		name := cert.Subject.String()

		if s.authzid != "" {
			if s.policy == nil {
				s.metrics.verifyFailed()
				return newError(ErrorTypeVerification,
					"cannot resolve authorization policy %q", s.authzid)
			}
			allowed, aerr := s.policy.Allowed(ctx, s.authzid, name)
			if aerr != nil {
				s.metrics.verifyFailed()
				return wrapError(ErrorTypeVerification, aerr,
					"TLS x509 authz check for %q failed", name)
			}
			if !allowed {
				s.metrics.verifyFailed()
				return newError(ErrorTypeVerification,
					"TLS x509 authz check for %q is denied", name)
			}
		}

		if s.hostname != "" {
			if herr := cert.VerifyHostname(s.hostname); herr != nil {
				s.metrics.verifyFailed()
				return newError(ErrorTypeVerification,
					"certificate does not match the hostname %q", s.hostname)
			}
		} else if s.creds.Role() == creds.RoleClient {
			s.metrics.verifyFailed()
			return newError(ErrorTypeVerification, "no hostname for certificate validation")
		}

		s.peerName = name
	}

	s.metrics.verifyOK()
	s.logger.Debug("peer certificate verified", "peer", s.peerName)
	return nil
}

// Reason renders the chain status as the most specific failure message.
// More specific conditions override the generic untrusted result.
func (st ChainStatus) Reason() string {
	reason := "invalid certificate"
	if st&ChainInvalid != 0 {
		reason = "the certificate is not trusted"
	}
	if st&ChainSignerNotFound != 0 {
		reason = "the certificate hasn't got a known issuer"
	}
	if st&ChainRevoked != 0 {
		reason = "the certificate has been revoked"
	}
	if st&ChainInsecureAlgorithm != 0 {
		reason = "the certificate uses an insecure algorithm"
	}
	return reason
}
