// Package dnsserver 提供网格服务的DNS发现入口。
//
// 域名格式为 service.<domain>，A查询返回全部健康实例的地址，
// SRV查询额外携带端口。只有健康实例会出现在应答中，
// 不健康实例的摘除对DNS客户端立即可见。
package dnsserver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/registry"
)

// Options 表示DNS服务的配置
type Options struct {
	// Addr 监听地址，如 ":8053"
	Addr string
	// Domain 服务域后缀，如 "mesh.local"
	Domain string
	// TTL 应答记录的TTL秒数
	TTL uint32
	// Timeout 读写超时
	Timeout time.Duration
}

// DefaultOptions 返回默认DNS配置
func DefaultOptions() Options {
	return Options{
		Addr:    ":8053",
		Domain:  "mesh.local",
		TTL:     10,
		Timeout: 5 * time.Second,
	}
}

// Server 表示DNS发现服务
type Server struct {
	opts       Options
	registry   *registry.Registry
	logger     config.Logger
	udpServer  *dns.Server
	tcpServer  *dns.Server
	shutdownWg sync.WaitGroup
}

// NewServer 创建一个新的DNS发现服务
func NewServer(reg *registry.Registry, opts Options, logger config.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultOptions().Addr
	}
	if opts.Domain == "" {
		opts.Domain = DefaultOptions().Domain
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultOptions().TTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Server{
		opts:     opts,
		registry: reg,
		logger:   logger,
	}
}

// Start 启动UDP与TCP两个DNS服务器
func (s *Server) Start() error {
	handler := dns.NewServeMux()
	handler.HandleFunc(".", s.handleRequest)

	s.udpServer = &dns.Server{
		Addr:         s.opts.Addr,
		Net:          "udp",
		Handler:      handler,
		UDPSize:      65535,
		ReadTimeout:  s.opts.Timeout,
		WriteTimeout: s.opts.Timeout,
	}
	s.tcpServer = &dns.Server{
		Addr:         s.opts.Addr,
		Net:          "tcp",
		Handler:      handler,
		ReadTimeout:  s.opts.Timeout,
		WriteTimeout: s.opts.Timeout,
	}

	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		srv := srv
		s.shutdownWg.Add(1)
		go func() {
			defer s.shutdownWg.Done()
			s.logger.Info("DNS服务器启动",
				zap.String("addr", srv.Addr),
				zap.String("net", srv.Net))
			if err := srv.ListenAndServe(); err != nil {
				s.logger.Warn("DNS服务器退出", zap.String("net", srv.Net), zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	var errs []error
	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}
	s.shutdownWg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("停止DNS服务器时发生错误: %v", errs)
	}
	return nil
}

// handleRequest 处理DNS查询
func (s *Server) handleRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		serviceName, ok := s.parseServiceDomain(q.Name)
		if !ok {
			continue
		}

		healthy := s.registry.HealthyInstances(serviceName)
		if len(healthy) == 0 {
			m.Rcode = dns.RcodeNameError
			continue
		}

		switch q.Qtype {
		case dns.TypeA:
			s.appendARecords(m, q, healthy)
		case dns.TypeSRV:
			s.appendSRVRecords(m, q, healthy)
		}
	}

	if len(m.Answer) == 0 && m.Rcode == dns.RcodeSuccess {
		m.Rcode = dns.RcodeNameError
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Warn("发送DNS响应失败", zap.Error(err))
	}
}

// parseServiceDomain 解析服务域名，格式: service.<domain>
func (s *Server) parseServiceDomain(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".")
	suffix := "." + s.opts.Domain
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	service := strings.TrimSuffix(name, suffix)
	if service == "" || strings.Contains(service, ".") {
		return "", false
	}
	return service, true
}

// appendARecords 把健康实例的IPv4地址写入应答
func (s *Server) appendARecords(m *dns.Msg, q dns.Question, instances []*model.ServiceInstance) {
	for _, inst := range instances {
		ip := net.ParseIP(inst.Host)
		if ip == nil || ip.To4() == nil {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.opts.TTL,
			},
			A: ip.To4(),
		})
	}
}

// appendSRVRecords 把健康实例的端口与权重写入应答
func (s *Server) appendSRVRecords(m *dns.Msg, q dns.Question, instances []*model.ServiceInstance) {
	for _, inst := range instances {
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    s.opts.TTL,
			},
			Priority: 0,
			Weight:   uint16(inst.Weight),
			Port:     uint16(inst.Port),
			Target:   q.Name,
		})

		// 目标是IP时附带A记录，客户端无需二次解析
		if ip := net.ParseIP(inst.Host); ip != nil && ip.To4() != nil {
			m.Extra = append(m.Extra, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    s.opts.TTL,
				},
				A: ip.To4(),
			})
		}
	}
}
