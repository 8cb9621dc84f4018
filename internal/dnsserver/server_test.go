package dnsserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/registry"
)

// fakeResponseWriter 捕获handleRequest写出的DNS应答
type fakeResponseWriter struct {
	msg *dns.Msg
}

func (w *fakeResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 53}
}

func (w *fakeResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5353}
}

func (w *fakeResponseWriter) WriteMsg(m *dns.Msg) error {
	w.msg = m
	return nil
}

func (w *fakeResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (w *fakeResponseWriter) Close() error              { return nil }
func (w *fakeResponseWriter) TsigStatus() error         { return nil }
func (w *fakeResponseWriter) TsigTimersOnly(bool)       {}
func (w *fakeResponseWriter) Hijack()                   {}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(config.NewNopLogger())
	srv := NewServer(reg, Options{Domain: "mesh.local", TTL: 10}, config.NewNopLogger())
	return srv, reg
}

// registerHealthy 注册一个实例并标记为健康
func registerHealthy(t *testing.T, reg *registry.Registry, name, host string, port int) *model.ServiceInstance {
	t.Helper()
	inst, err := reg.Register(context.Background(), &model.RegisterRequest{
		Name: name,
		Host: host,
		Port: port,
	})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(context.Background(), inst.ID, model.HealthStatusHealthy))
	return inst
}

func query(t *testing.T, srv *Server, name string, qtype uint16) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	w := &fakeResponseWriter{}
	srv.handleRequest(w, req)
	require.NotNil(t, w.msg, "应当写出DNS应答")
	return w.msg
}

// TestParseServiceDomain 测试域名解析规则
func TestParseServiceDomain(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		qname   string
		service string
		ok      bool
	}{
		{"正常服务域名", "user-service.mesh.local.", "user-service", true},
		{"无结尾点", "user-service.mesh.local", "user-service", true},
		{"域后缀不匹配", "user-service.other.local.", "", false},
		{"缺少服务名", "mesh.local.", "", false},
		{"多级服务名不支持", "a.b.mesh.local.", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, ok := srv.parseServiceDomain(tt.qname)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.service, service)
		})
	}
}

// TestDNSAQuery 测试A查询返回全部健康实例的IPv4地址
func TestDNSAQuery(t *testing.T) {
	srv, reg := newTestServer(t)
	registerHealthy(t, reg, "user-service", "10.0.0.1", 8080)
	registerHealthy(t, reg, "user-service", "10.0.0.2", 8080)

	msg := query(t, srv, "user-service.mesh.local", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, msg.Rcode)
	require.Len(t, msg.Answer, 2)

	ips := make(map[string]bool)
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		require.True(t, ok)
		assert.Equal(t, uint32(10), a.Hdr.Ttl)
		ips[a.A.String()] = true
	}
	assert.True(t, ips["10.0.0.1"])
	assert.True(t, ips["10.0.0.2"])
}

// TestDNSAQueryExcludesUnhealthy 测试不健康实例不会出现在应答中
func TestDNSAQueryExcludesUnhealthy(t *testing.T) {
	srv, reg := newTestServer(t)
	registerHealthy(t, reg, "user-service", "10.0.0.1", 8080)
	bad, err := reg.Register(context.Background(), &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.9",
		Port: 8080,
	})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(context.Background(), bad.ID, model.HealthStatusUnhealthy))

	msg := query(t, srv, "user-service.mesh.local", dns.TypeA)
	require.Len(t, msg.Answer, 1)
	a := msg.Answer[0].(*dns.A)
	assert.Equal(t, "10.0.0.1", a.A.String())
}

// TestDNSSRVQuery 测试SRV查询携带端口与权重
func TestDNSSRVQuery(t *testing.T) {
	srv, reg := newTestServer(t)
	inst, err := reg.Register(context.Background(), &model.RegisterRequest{
		Name:   "order-service",
		Host:   "10.0.0.3",
		Port:   9090,
		Weight: 50,
	})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(context.Background(), inst.ID, model.HealthStatusHealthy))

	msg := query(t, srv, "order-service.mesh.local", dns.TypeSRV)
	require.Len(t, msg.Answer, 1)
	rec, ok := msg.Answer[0].(*dns.SRV)
	require.True(t, ok)
	assert.Equal(t, uint16(9090), rec.Port)
	assert.Equal(t, uint16(50), rec.Weight)
	assert.Equal(t, "order-service.mesh.local.", rec.Target)

	// 附带的A记录省去客户端的二次解析
	require.Len(t, msg.Extra, 1)
	extra := msg.Extra[0].(*dns.A)
	assert.Equal(t, "10.0.0.3", extra.A.String())
}

// TestDNSNXDomain 测试无健康实例时返回NXDOMAIN
func TestDNSNXDomain(t *testing.T) {
	srv, _ := newTestServer(t)

	msg := query(t, srv, "missing-service.mesh.local", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, msg.Rcode)
	assert.Empty(t, msg.Answer)
}

// TestDNSServerStartStop 测试DNS服务器能正常启停
func TestDNSServerStartStop(t *testing.T) {
	reg := registry.New(config.NewNopLogger())
	srv := NewServer(reg, Options{Addr: "127.0.0.1:0", Domain: "mesh.local"}, config.NewNopLogger())

	require.NoError(t, srv.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Stop())
}
