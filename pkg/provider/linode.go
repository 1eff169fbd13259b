package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/linode/linodego"
)

const linodeImage = "linode/ubuntu24.04"

// LinodeProvider manages instances through the Linode (Akamai) API client.
type LinodeProvider struct {
	client linodego.Client
}

func NewLinode(opts Options) *LinodeProvider {
	client := linodego.NewClient(opts.httpClient())
	client.SetToken(opts.Token)
	client.SetUserAgent("llmvm")
	if opts.BaseURL != "" {
		client.SetBaseURL(opts.BaseURL)
	}
	return &LinodeProvider{client: client}
}

func (p *LinodeProvider) Type() Type { return Linode }

func (p *LinodeProvider) Traits() Traits {
	return Traits{SSHUser: "root", InstallDrivers: true}
}

func linodeAddress(inst *linodego.Instance) string {
	for _, ip := range inst.IPv4 {
		if ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	return ""
}

func linodeID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("invalid linode id %q: %w", id, err)
	}
	return n, nil
}

// linodeErr maps a client error onto ErrInstanceNotFound or a ProviderError.
func linodeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var lerr *linodego.Error
	if errors.As(err, &lerr) {
		if lerr.Code == http.StatusNotFound {
			return ErrInstanceNotFound
		}
		if lerr.Code >= 100 {
			return &ProviderError{Provider: Linode, Op: op, StatusCode: lerr.Code, Message: lerr.Message}
		}
	}
	return &ProviderError{Provider: Linode, Op: op, Err: err}
}

var labelInvalid = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// linodeLabel fits name into Linode's 3-64 character label alphabet.
func linodeLabel(name string) string {
	label := labelInvalid.ReplaceAllString(name, "-")
	label = strings.Trim(label, "-_.")
	if len(label) > 64 {
		label = label[:64]
	}
	for len(label) < 3 {
		label += "0"
	}
	return label
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate root password: %w", err)
	}
	// Mixed classes satisfy Linode's password strength check.
	return "Aa1!" + hex.EncodeToString(buf), nil
}

func (p *LinodeProvider) Create(ctx context.Context, spec CreateSpec) (*InstanceHandle, error) {
	pass, err := randomPassword()
	if err != nil {
		return nil, err
	}
	opts := linodego.InstanceCreateOptions{
		Type:     spec.InstanceType,
		Region:   spec.Region,
		Image:    linodeImage,
		Label:    linodeLabel(spec.Label),
		RootPass: pass,
		Tags:     []string{"llmvm"},
	}
	if spec.PublicKey != "" {
		opts.AuthorizedKeys = []string{spec.PublicKey}
	}
	if spec.UserData != "" {
		opts.Metadata = &linodego.InstanceMetadataOptions{
			UserData: base64.StdEncoding.EncodeToString([]byte(spec.UserData)),
		}
	}
	if spec.FirewallID != "" {
		id, err := strconv.Atoi(spec.FirewallID)
		if err != nil {
			return nil, fmt.Errorf("invalid firewall id %q: %w", spec.FirewallID, err)
		}
		opts.FirewallID = id
	}

	inst, err := p.client.CreateInstance(ctx, opts)
	if err != nil {
		return nil, linodeErr("create", err)
	}
	return &InstanceHandle{ID: strconv.Itoa(inst.ID), Address: linodeAddress(inst), Status: string(inst.Status)}, nil
}

func (p *LinodeProvider) Delete(ctx context.Context, id string) (bool, error) {
	n, err := linodeID(id)
	if err != nil {
		return false, err
	}
	err = linodeErr("delete", p.client.DeleteInstance(ctx, n))
	if errors.Is(err, ErrInstanceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *LinodeProvider) GetStatus(ctx context.Context, id string) (*InstanceStatus, error) {
	n, err := linodeID(id)
	if err != nil {
		return nil, err
	}
	inst, err := p.client.GetInstance(ctx, n)
	if err != nil {
		return nil, linodeErr("get", err)
	}
	return &InstanceStatus{ID: strconv.Itoa(inst.ID), Status: string(inst.Status), Address: linodeAddress(inst)}, nil
}

// ListTypes returns the GPU plans. When the API is unreachable it falls back
// to the built-in price table.
func (p *LinodeProvider) ListTypes(ctx context.Context) ([]VMType, error) {
	types, err := p.client.ListTypes(ctx, nil)
	if err != nil {
		err = linodeErr("list types", err)
		var perr *ProviderError
		if errors.As(err, &perr) && perr.StatusCode == http.StatusUnauthorized {
			return nil, err
		}
		return staticLinodeTypes(), nil
	}

	var out []VMType
	for _, t := range types {
		if t.GPUs == 0 {
			continue
		}
		var hourly float64
		if t.Price != nil {
			// Prices arrive as float32.
			hourly = math.Round(float64(t.Price.Hourly)*1000) / 1000
		}
		out = append(out, VMType{
			ID:         t.ID,
			Label:      t.Label,
			GPUs:       t.GPUs,
			GPUMemGB:   linodeGPUMemory(t.ID),
			HourlyCost: hourly,
			Regions:    linodeRegions(t.ID),
		})
	}
	sortTypes(out)
	return out, nil
}
