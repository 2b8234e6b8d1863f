package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
)

// 文档注释：写接口来源白名单（单 IP + CIDR，支持 v4/v6）
// 约束：未配置任何条目时放行全部请求；来源 IP 以 RemoteAddr 为准，
// 配置 REAL_IP_HEADER 时取该头中第一个合法 IP
type AllowList struct {
	l            *slog.Logger
	ips          map[string]struct{}
	cidrs        []*net.IPNet
	realIPHeader string
}

// NewAllowList：ips 与 cidrs 中非法条目被忽略并记录日志
func NewAllowList(l *slog.Logger, ips, cidrs []string, realIPHeader string) *AllowList {
	a := &AllowList{l: l, ips: map[string]struct{}{}, realIPHeader: strings.TrimSpace(realIPHeader)}
	for _, s := range ips {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			a.ips[ip.String()] = struct{}{}
		} else {
			l.Warn("allowlist_bad_ip", "value", s)
		}
	}
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(s); err == nil {
			a.cidrs = append(a.cidrs, n)
		} else {
			l.Warn("allowlist_bad_cidr", "value", s)
		}
	}
	return a
}

// AllowListFromEnv：UPDATE_ALLOW_IPS / UPDATE_ALLOW_CIDRS（逗号分隔），UPDATE_ALLOW_LOCAL=true 追加回环地址
func AllowListFromEnv(l *slog.Logger) *AllowList {
	ips := strings.Split(os.Getenv("UPDATE_ALLOW_IPS"), ",")
	if os.Getenv("UPDATE_ALLOW_LOCAL") == "true" {
		ips = append(ips, "127.0.0.1", "::1")
	}
	return NewAllowList(l, ips, strings.Split(os.Getenv("UPDATE_ALLOW_CIDRS"), ","), os.Getenv("REAL_IP_HEADER"))
}

// Open：未配置任何条目
func (a *AllowList) Open() bool { return len(a.ips) == 0 && len(a.cidrs) == 0 }

func (a *AllowList) Allowed(ip net.IP) bool {
	if _, ok := a.ips[ip.String()]; ok {
		return true
	}
	for _, n := range a.cidrs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *AllowList) clientIP(r *http.Request) net.IP {
	if a.realIPHeader != "" {
		if raw := r.Header.Get(a.realIPHeader); raw != "" {
			first, _, _ := strings.Cut(raw, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

// Wrap：不在白名单内返回 403
func (a *AllowList) Wrap(next http.Handler) http.Handler {
	if a == nil || a.Open() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.clientIP(r)
		if ip == nil || !a.Allowed(ip) {
			a.l.Warn("allowlist_block", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("content-type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
