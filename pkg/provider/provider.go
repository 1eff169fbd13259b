package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Type identifies a cloud backend.
type Type string

const (
	Linode Type = "linode"
	Lambda Type = "lambda"
)

// Types lists every supported backend.
var Types = []Type{Linode, Lambda}

// ParseType maps a config string to a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q (supported: linode, lambda)", s)
}

// CreateSpec describes the VM to create.
type CreateSpec struct {
	Label        string
	Region       string
	InstanceType string
	// UserData is the cloud-init document, unencoded.
	UserData   string
	PublicKey  string
	SSHKeyName string
	FirewallID string
}

// InstanceHandle is returned by Create. Address may be empty while the
// provider is still assigning one.
type InstanceHandle struct {
	ID      string
	Address string
	Status  string
}

// InstanceStatus is a point-in-time view of an instance.
type InstanceStatus struct {
	ID      string
	Status  string
	Address string
}

// VMType is one purchasable instance type.
type VMType struct {
	ID         string
	Label      string
	GPUs       int
	GPUMemGB   int
	HourlyCost float64
	Regions    []string
}

// Traits are backend properties the deployment depends on.
type Traits struct {
	// SSHUser is the login user on freshly created VMs.
	SSHUser string
	// InstallDrivers is true when the image lacks the NVIDIA driver and
	// container toolkit, so cloud-init must install them and reboot.
	InstallDrivers bool
}

// CloudProvider creates, inspects and deletes VM instances.
type CloudProvider interface {
	Type() Type
	Traits() Traits
	Create(ctx context.Context, spec CreateSpec) (*InstanceHandle, error)
	// Delete returns false when the instance was already gone.
	Delete(ctx context.Context, id string) (bool, error)
	// GetStatus fails with ErrInstanceNotFound when the instance is gone.
	GetStatus(ctx context.Context, id string) (*InstanceStatus, error)
	ListTypes(ctx context.Context) ([]VMType, error)
}

// Options configures a provider client.
type Options struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// New returns the CloudProvider for t.
func New(t Type, opts Options) (CloudProvider, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("no API token configured for provider %s", t)
	}
	switch t {
	case Linode:
		return NewLinode(opts), nil
	case Lambda:
		return NewLambda(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", t)
	}
}

// ResolveRate looks up typeID in the provider's catalogue. The result is
// captured on the session at creation time and never refreshed.
func ResolveRate(ctx context.Context, p CloudProvider, typeID string) (VMType, error) {
	types, err := p.ListTypes(ctx)
	if err != nil {
		return VMType{}, fmt.Errorf("failed to list instance types: %w", err)
	}
	for _, t := range types {
		if t.ID == typeID {
			return t, nil
		}
	}
	return VMType{}, fmt.Errorf("instance type %q not offered by %s", typeID, p.Type())
}
