package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const lambdaBaseURL = "https://cloud.lambda.ai/api/v1"

// LambdaProvider talks to the Lambda Cloud REST API.
type LambdaProvider struct {
	api apiClient
}

func NewLambda(opts Options) *LambdaProvider {
	base := opts.BaseURL
	if base == "" {
		base = lambdaBaseURL
	}
	return &LambdaProvider{api: apiClient{provider: Lambda, baseURL: base, token: opts.Token, httpClient: opts.httpClient()}}
}

func (p *LambdaProvider) Type() Type { return Lambda }

// Lambda Stack images ship with the driver and container toolkit.
func (p *LambdaProvider) Traits() Traits {
	return Traits{SSHUser: "ubuntu", InstallDrivers: false}
}

type lambdaLaunchRequest struct {
	RegionName       string   `json:"region_name"`
	InstanceTypeName string   `json:"instance_type_name"`
	SSHKeyNames      []string `json:"ssh_key_names"`
	Quantity         int      `json:"quantity"`
	Name             string   `json:"name,omitempty"`
	UserData         string   `json:"user_data,omitempty"`
}

type lambdaInstance struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Status string `json:"status"`
}

func (p *LambdaProvider) Create(ctx context.Context, spec CreateSpec) (*InstanceHandle, error) {
	req := lambdaLaunchRequest{
		RegionName:       spec.Region,
		InstanceTypeName: spec.InstanceType,
		SSHKeyNames:      []string{spec.SSHKeyName},
		Quantity:         1,
		Name:             spec.Label,
		UserData:         spec.UserData,
	}
	var resp struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := p.api.do(ctx, "launch", http.MethodPost, "/instance-operations/launch", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data.InstanceIDs) == 0 {
		return nil, &ProviderError{Provider: Lambda, Op: "launch", StatusCode: http.StatusOK, Message: "no instance ids returned"}
	}
	return &InstanceHandle{ID: resp.Data.InstanceIDs[0], Status: "booting"}, nil
}

func (p *LambdaProvider) Delete(ctx context.Context, id string) (bool, error) {
	req := struct {
		InstanceIDs []string `json:"instance_ids"`
	}{InstanceIDs: []string{id}}
	var resp struct {
		Data struct {
			TerminatedInstances []lambdaInstance `json:"terminated_instances"`
		} `json:"data"`
	}
	err := p.api.do(ctx, "terminate", http.MethodPost, "/instance-operations/terminate", req, &resp)
	if errors.Is(err, ErrInstanceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(resp.Data.TerminatedInstances) > 0, nil
}

func (p *LambdaProvider) GetStatus(ctx context.Context, id string) (*InstanceStatus, error) {
	var resp struct {
		Data lambdaInstance `json:"data"`
	}
	if err := p.api.do(ctx, "get", http.MethodGet, "/instances/"+id, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Status == "terminated" {
		return nil, ErrInstanceNotFound
	}
	return &InstanceStatus{ID: resp.Data.ID, Status: resp.Data.Status, Address: resp.Data.IP}, nil
}

func (p *LambdaProvider) ListTypes(ctx context.Context) ([]VMType, error) {
	var resp struct {
		Data map[string]struct {
			InstanceType struct {
				Name              string `json:"name"`
				Description       string `json:"description"`
				GPUDescription    string `json:"gpu_description"`
				PriceCentsPerHour int    `json:"price_cents_per_hour"`
				Specs             struct {
					GPUs int `json:"gpus"`
				} `json:"specs"`
			} `json:"instance_type"`
			RegionsWithCapacityAvailable []struct {
				Name string `json:"name"`
			} `json:"regions_with_capacity_available"`
		} `json:"data"`
	}
	if err := p.api.do(ctx, "list types", http.MethodGet, "/instance-types", nil, &resp); err != nil {
		return nil, err
	}

	var out []VMType
	for id, item := range resp.Data {
		t := VMType{
			ID:         id,
			Label:      item.InstanceType.Description,
			GPUs:       item.InstanceType.Specs.GPUs,
			GPUMemGB:   gpuMemFromDescription(item.InstanceType.GPUDescription),
			HourlyCost: float64(item.InstanceType.PriceCentsPerHour) / 100,
		}
		for _, r := range item.RegionsWithCapacityAvailable {
			t.Regions = append(t.Regions, r.Name)
		}
		out = append(out, t)
	}
	sortTypes(out)
	return out, nil
}

// gpuMemFromDescription extracts 80 from "H100 (80 GB SXM5)".
func gpuMemFromDescription(desc string) int {
	open := strings.Index(desc, "(")
	if open < 0 {
		return 0
	}
	n := 0
	for _, r := range desc[open+1:] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
