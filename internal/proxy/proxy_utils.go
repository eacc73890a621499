package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyConfig 代理配置结构
type ProxyConfig struct {
	Type     string // "none", "http", "socks5"
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration // 零值为30秒
}

// ContextDialer 支持context的拨号器
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// CreateDialer 根据代理配置创建网络拨号器
func CreateDialer(config *ProxyConfig) (ContextDialer, error) {
	timeout := 30 * time.Second
	if config != nil && config.Timeout > 0 {
		timeout = config.Timeout
	}

	if config == nil || config.Type == "none" || config.Type == "" {
		return &net.Dialer{Timeout: timeout}, nil
	}

	if err := ValidateProxyConfig(config); err != nil {
		return nil, err
	}

	proxyAddr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	switch config.Type {
	case "socks5":
		return createSOCKS5Dialer(proxyAddr, config.Username, config.Password, timeout)
	case "http":
		return &httpProxyDialer{
			proxyAddr: proxyAddr,
			username:  config.Username,
			password:  config.Password,
			timeout:   timeout,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", config.Type)
	}
}

// createSOCKS5Dialer 创建SOCKS5代理拨号器
func createSOCKS5Dialer(proxyAddr, username, password string, timeout time.Duration) (ContextDialer, error) {
	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{
			User:     username,
			Password: password,
		}
	}

	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context")
	}
	return cd, nil
}

// ValidateProxyConfig 验证代理配置
func ValidateProxyConfig(config *ProxyConfig) error {
	if config == nil {
		return nil
	}

	if config.Type == "none" || config.Type == "" {
		return nil
	}

	if config.Host == "" {
		return fmt.Errorf("proxy host is required")
	}

	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("proxy port must be between 1 and 65535")
	}

	if config.Type != "http" && config.Type != "socks5" {
		return fmt.Errorf("proxy type must be 'http' or 'socks5'")
	}

	return nil
}

// httpProxyDialer HTTP CONNECT代理拨号器
type httpProxyDialer struct {
	proxyAddr string
	username  string
	password  string
	timeout   time.Duration
}

// DialContext 通过HTTP代理建立隧道
func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", d.proxyAddr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(d.timeout))
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read proxy response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy returned status %d: %s", resp.StatusCode, resp.Status)
	}

	// 隧道建立后由IMAP客户端自行管理超时
	conn.SetDeadline(time.Time{})

	// 服务器问候可能已被读入缓冲区
	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: reader}, nil
	}
	return conn, nil
}

// bufferedConn 先读出CONNECT响应后缓冲的数据
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
