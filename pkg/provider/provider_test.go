package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"linode", Linode, false},
		{" Lambda ", Lambda, false},
		{"modal", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Linode, Options{})
	assert.Error(t, err)

	p, err := New(Lambda, Options{Token: "k"})
	require.NoError(t, err)
	assert.Equal(t, Lambda, p.Type())
	assert.Equal(t, "ubuntu", p.Traits().SSHUser)
}

// toServer sends every request to srv, whatever host the client targets.
type toServer struct {
	target *url.URL
}

func (rt toServer) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func newLinodeTest(t *testing.T, h http.HandlerFunc) *LinodeProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return NewLinode(Options{Token: "tok", HTTPClient: &http.Client{Transport: toServer{target: target}}})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestLinodeCreate(t *testing.T) {
	var got map[string]interface{}
	p := newLinodeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v4/linode/instances", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, `{"id":42,"status":"provisioning","ipv4":["203.0.113.7"]}`)
	})

	h, err := p.Create(context.Background(), CreateSpec{
		Label:        "qwen-20260101-120000",
		Region:       "us-east",
		InstanceType: "g1-gpu-rtx6000-1",
		UserData:     "#cloud-config\n",
		PublicKey:    "ssh-ed25519 AAAA me",
		FirewallID:   "99",
	})
	require.NoError(t, err)

	assert.Equal(t, "42", h.ID)
	assert.Equal(t, "203.0.113.7", h.Address)
	assert.Equal(t, "provisioning", h.Status)
	assert.Equal(t, linodeImage, got["image"])
	assert.Equal(t, float64(99), got["firewall_id"])
	assert.Equal(t, []interface{}{"ssh-ed25519 AAAA me"}, got["authorized_keys"])
	assert.NotEmpty(t, got["root_pass"])
	metadata, ok := got["metadata"].(map[string]interface{})
	require.True(t, ok, "cloud-init travels as user data metadata")
	decoded, err := base64.StdEncoding.DecodeString(metadata["user_data"].(string))
	require.NoError(t, err)
	assert.Equal(t, "#cloud-config\n", string(decoded))
}

func TestLinodeCreateProviderError(t *testing.T) {
	p := newLinodeTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"errors":[{"reason":"region not available"}]}`)
	})

	_, err := p.Create(context.Background(), CreateSpec{Label: "x"})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
	assert.Contains(t, perr.Message, "region not available")
}

func TestLinodeDeleteAndStatus(t *testing.T) {
	gone := false
	p := newLinodeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v4/linode/instances/7", r.URL.Path)
		if gone {
			writeJSON(w, http.StatusNotFound, `{"errors":[{"reason":"Not found"}]}`)
			return
		}
		switch r.Method {
		case http.MethodDelete:
			gone = true
			writeJSON(w, http.StatusOK, `{}`)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, `{"id":7,"status":"running","ipv4":["198.51.100.2"]}`)
		}
	})
	ctx := context.Background()

	st, err := p.GetStatus(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "198.51.100.2", st.Address)

	existed, err := p.Delete(ctx, "7")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = p.Delete(ctx, "7")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = p.GetStatus(ctx, "7")
	assert.True(t, errors.Is(err, ErrInstanceNotFound))

	_, err = p.GetStatus(ctx, "not-a-number")
	assert.Error(t, err)
}

func TestLinodeListTypesFallsBack(t *testing.T) {
	p := newLinodeTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	types, err := p.ListTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, types, len(linodeGPUTypes))
	assert.Equal(t, "g2-gpu-rtx4000a1-s", types[0].ID)
	assert.Equal(t, 0.52, types[0].HourlyCost)
}

func TestLinodeListTypesUnauthorized(t *testing.T) {
	p := newLinodeTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"errors":[{"reason":"Invalid Token"}]}`)
	})

	_, err := p.ListTypes(context.Background())
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
}

func TestResolveRate(t *testing.T) {
	p := newLinodeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v4/linode/types", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"data":[
			{"id":"g6-standard-2","gpus":0,"price":{"hourly":0.036}},
			{"id":"g1-gpu-rtx6000-2","label":"RTX6000 x2","gpus":2,"price":{"hourly":3.0}}
		],"page":1,"pages":1,"results":2}`)
	})

	vt, err := ResolveRate(context.Background(), p, "g1-gpu-rtx6000-2")
	require.NoError(t, err)
	assert.Equal(t, 2, vt.GPUs)
	assert.Equal(t, 3.0, vt.HourlyCost)
	assert.Equal(t, 48, vt.GPUMemGB)

	_, err = ResolveRate(context.Background(), p, "g6-standard-2")
	assert.Error(t, err, "non-GPU types are filtered out")
}

func TestLambdaLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instance-operations/launch":
			var req lambdaLaunchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"laptop"}, req.SSHKeyNames)
			assert.Equal(t, "#cloud-config\n", req.UserData)
			w.Write([]byte(`{"data":{"instance_ids":["i-1"]}}`))
		case "/instances/i-1":
			w.Write([]byte(`{"data":{"id":"i-1","ip":"192.0.2.5","status":"active"}}`))
		case "/instance-operations/terminate":
			w.Write([]byte(`{"data":{"terminated_instances":[{"id":"i-1","status":"terminating"}]}}`))
		case "/instance-types":
			w.Write([]byte(`{"data":{"gpu_1x_a100_sxm4":{"instance_type":{"name":"gpu_1x_a100_sxm4","description":"1x A100 (40 GB SXM4)","gpu_description":"A100 (40 GB SXM4)","price_cents_per_hour":129,"specs":{"gpus":1}},"regions_with_capacity_available":[{"name":"us-east-1"}]}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	p := NewLambda(Options{Token: "tok", BaseURL: srv.URL})
	ctx := context.Background()

	h, err := p.Create(ctx, CreateSpec{Region: "us-east-1", InstanceType: "gpu_1x_a100_sxm4", SSHKeyName: "laptop", UserData: "#cloud-config\n"})
	require.NoError(t, err)
	assert.Equal(t, "i-1", h.ID)
	assert.Empty(t, h.Address)

	st, err := p.GetStatus(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5", st.Address)

	existed, err := p.Delete(ctx, "i-1")
	require.NoError(t, err)
	assert.True(t, existed)

	types, err := p.ListTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, 1.29, types[0].HourlyCost)
	assert.Equal(t, 40, types[0].GPUMemGB)
	assert.Equal(t, []string{"us-east-1"}, types[0].Regions)
}

func TestLinodeLabel(t *testing.T) {
	assert.Equal(t, "qwen2.5-coder-20260101", linodeLabel("qwen2.5-coder-20260101"))
	assert.Equal(t, "a-b", linodeLabel("a b"))
	assert.Equal(t, "x00", linodeLabel("x"))
}
