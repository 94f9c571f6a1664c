package call

import (
	"log/slog"
	"strings"

	"braces.dev/errtrace"
	sipgo "github.com/emiago/sipgo/sip"
)

// Identity is the local SIP identity registered with the signaling server.
type Identity struct {
	// URI is the address of record, e.g. "sip:alice@example.com".
	URI string `json:"uri" yaml:"uri"`
	// Password is used to authenticate the registration.
	Password string `json:"-" yaml:"password"`
	// DisplayName is an optional display name sent with requests.
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
	// Server is the signaling server URL, e.g. "wss://sip.example.com:8089/ws".
	// If empty, the server is discovered via DNS from the URI domain.
	Server string `json:"server,omitempty" yaml:"server"`
}

// Validate checks that the identity has a SIP URI with user and host.
func (id Identity) Validate() error {
	u, err := ParseURI(id.URI)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if u.User == "" {
		return errtrace.Wrap(NewInvalidArgumentError("identity URI %q has no user part", id.URI))
	}
	return nil
}

// Domain returns the host part of the identity URI.
func (id Identity) Domain() string {
	u, err := ParseURI(id.URI)
	if err != nil {
		return ""
	}
	return u.Host
}

// LogValue implements [slog.LogValuer].
// The password is never logged.
func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("uri", id.URI),
		slog.String("display_name", id.DisplayName),
		slog.String("server", id.Server),
	)
}

// ParseURI parses a SIP or SIPS URI, e.g. "sip:1001@example.com".
func ParseURI(s string) (sipgo.Uri, error) {
	var u sipgo.Uri
	s = strings.TrimSpace(s)
	if ls := strings.ToLower(s); !strings.HasPrefix(ls, "sip:") && !strings.HasPrefix(ls, "sips:") {
		return u, errtrace.Wrap(NewInvalidArgumentError("URI %q has no sip or sips scheme", s))
	}
	if err := sipgo.ParseUri(s, &u); err != nil {
		return u, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if u.Host == "" {
		return u, errtrace.Wrap(NewInvalidArgumentError("URI %q has no host part", s))
	}
	return u, nil
}
