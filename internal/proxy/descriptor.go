// Package proxy models the egress paths a fetch can be routed through.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Kind identifies how traffic leaves through an egress path.
type Kind int

const (
	// KindDirect connects straight to the target.
	KindDirect Kind = iota
	// KindSimple forwards through a fixed upstream proxy.
	KindSimple
	// KindRotating forwards through an upstream that rotates its exit IP itself.
	KindRotating
	// KindBridge hands the request to a remote fetch-bridge service.
	KindBridge
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSimple:
		return "simple"
	case KindRotating:
		return "rotating"
	case KindBridge:
		return "bridge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps configuration strings onto a Kind. "none" is accepted as an
// alias for direct.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "direct", "none", "":
		return KindDirect, nil
	case "simple":
		return KindSimple, nil
	case "rotating":
		return KindRotating, nil
	case "bridge":
		return KindBridge, nil
	default:
		return KindDirect, fmt.Errorf("unknown proxy kind %q", raw)
	}
}

// UseCase tags the kinds of targets a path is suitable for.
type UseCase string

const (
	// UseCaseDefault marks a general-purpose path.
	UseCaseDefault UseCase = "default"
	// UseCaseCloudflare marks a path that passes Cloudflare bot screening.
	UseCaseCloudflare UseCase = "cloudflare"
)

// ParseUseCase maps configuration strings onto a UseCase.
func ParseUseCase(raw string) (UseCase, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "default":
		return UseCaseDefault, nil
	case "cloudflare", "cloudflare_compatible":
		return UseCaseCloudflare, nil
	default:
		return "", fmt.Errorf("unknown use case %q", raw)
	}
}

// Rotation controls how long a path keeps its turn. Interval zero means unset.
type Rotation struct {
	Enabled  bool
	Interval int
}

// Validation errors returned by New.
var (
	ErrEmptyAddress      = errors.New("proxy address is empty")
	ErrMissingScheme     = errors.New("proxy address must include a scheme")
	ErrMissingPort       = errors.New("proxy address must include host and port")
	ErrUnsupportedScheme = errors.New("unsupported proxy scheme")
	ErrInvalidInterval   = errors.New("rotation interval must be > 0")
)

// Descriptor is an immutable description of one egress path.
type Descriptor struct {
	address  string
	kind     Kind
	useCases []UseCase
	rotation Rotation
}

// New validates and builds a Descriptor. An empty use-case list defaults to
// the general-purpose tag.
func New(address string, kind Kind, useCases []UseCase, rotation Rotation) (Descriptor, error) {
	address = strings.TrimSpace(address)
	if rotation.Interval < 0 {
		return Descriptor{}, ErrInvalidInterval
	}
	if err := validateAddress(address, kind); err != nil {
		return Descriptor{}, err
	}
	if len(useCases) == 0 {
		useCases = []UseCase{UseCaseDefault}
	}
	return Descriptor{
		address:  address,
		kind:     kind,
		useCases: slices.Clone(useCases),
		rotation: rotation,
	}, nil
}

// Direct returns the synthetic fallback path that connects without a proxy.
func Direct() Descriptor {
	return Descriptor{kind: KindDirect, useCases: []UseCase{UseCaseDefault}}
}

func validateAddress(address string, kind Kind) error {
	if kind == KindDirect && address == "" {
		return nil
	}
	if address == "" {
		return ErrEmptyAddress
	}
	if !strings.Contains(address, "://") {
		return fmt.Errorf("%w: %q", ErrMissingScheme, Redact(address))
	}
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("parse proxy address: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch kind {
	case KindBridge:
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("%w: %q for bridge", ErrUnsupportedScheme, scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("%w: %q", ErrMissingPort, Redact(address))
		}
	case KindDirect, KindSimple, KindRotating:
		switch scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
		}
		if u.Hostname() == "" || u.Port() == "" {
			return fmt.Errorf("%w: %q", ErrMissingPort, Redact(address))
		}
	default:
		return fmt.Errorf("unknown proxy kind %d", int(kind))
	}
	return nil
}

// Address returns the configured address, credentials included.
func (d Descriptor) Address() string { return d.address }

// Kind returns the path kind.
func (d Descriptor) Kind() Kind { return d.kind }

// UseCases returns a copy of the use-case tags.
func (d Descriptor) UseCases() []UseCase { return slices.Clone(d.useCases) }

// Rotation returns the rotation settings.
func (d Descriptor) Rotation() Rotation { return d.rotation }

// Supports reports whether the path carries the given use-case tag.
func (d Descriptor) Supports(uc UseCase) bool { return slices.Contains(d.useCases, uc) }

// IsDirect reports whether traffic bypasses any proxy or bridge.
func (d Descriptor) IsDirect() bool { return d.kind == KindDirect }

// RotationThreshold returns the interval and true when the path hands over
// its turn after a fixed number of uses.
func (d Descriptor) RotationThreshold() (int, bool) {
	if !d.rotation.Enabled || d.rotation.Interval <= 0 {
		return 0, false
	}
	return d.rotation.Interval, true
}

// URL parses the address. Direct paths have no URL.
func (d Descriptor) URL() (*url.URL, error) {
	if d.address == "" {
		return nil, ErrEmptyAddress
	}
	u, err := url.Parse(d.address)
	if err != nil {
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	return u, nil
}

// Redacted returns the address with any password masked.
func (d Descriptor) Redacted() string {
	if d.address == "" {
		return d.kind.String()
	}
	return Redact(d.address)
}

func (d Descriptor) String() string {
	return d.kind.String() + "(" + d.Redacted() + ")"
}

// Redact masks the password of a URL-shaped string. Unparseable input is
// returned with everything before the last '@' hidden.
func Redact(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" {
		if at := strings.LastIndex(address, "@"); at >= 0 {
			return "***" + address[at:]
		}
		return address
	}
	return u.Redacted()
}
