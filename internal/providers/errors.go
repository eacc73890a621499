package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrorType 错误类型
type ErrorType string

const (
	// 连接错误
	ErrorTypeConnection   ErrorType = "connection"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeNetworkError ErrorType = "network"

	// 认证错误
	ErrorTypeAuth        ErrorType = "authentication"
	ErrorTypeCredentials ErrorType = "credentials"
	ErrorTypeOAuth2      ErrorType = "oauth2"

	// 协议错误
	ErrorTypeProtocol       ErrorType = "protocol"
	ErrorTypeFolderNotFound ErrorType = "folder_not_found"

	// 服务器错误
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded      ErrorType = "quota_exceeded"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"

	ErrorTypeUnknown ErrorType = "unknown"
)

// ErrorSeverity 错误严重程度
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical"
	SeverityHigh     ErrorSeverity = "high"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityLow      ErrorSeverity = "low"
)

// ProviderError 提供商错误
type ProviderError struct {
	Type      ErrorType     `json:"type"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Provider  string        `json:"provider"`
	Severity  ErrorSeverity `json:"severity"`
	Retryable bool          `json:"retryable"`
	Temporary bool          `json:"temporary"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error 实现error接口
func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 实现errors.Unwrap接口
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is 实现errors.Is接口
func (e *ProviderError) Is(target error) bool {
	if pe, ok := target.(*ProviderError); ok {
		return e.Type == pe.Type && e.Code == pe.Code
	}
	return false
}

// NewAuthError 包装认证失败
func NewAuthError(provider string, cause error) *ProviderError {
	return &ProviderError{
		Type:      ErrorTypeAuth,
		Code:      "AUTHENTICATIONFAILED",
		Message:   cause.Error(),
		Provider:  provider,
		Severity:  SeverityHigh,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// ErrorPattern 错误模式
type ErrorPattern struct {
	Keywords  []string      `json:"keywords"`
	Codes     []string      `json:"codes"`
	Type      ErrorType     `json:"type"`
	Severity  ErrorSeverity `json:"severity"`
	Retryable bool          `json:"retryable"`
	Temporary bool          `json:"temporary"`
}

// ErrorClassifier 错误分类器，按顺序匹配，先匹配的优先
type ErrorClassifier struct {
	patterns []ErrorPattern
}

// NewErrorClassifier 创建错误分类器
func NewErrorClassifier() *ErrorClassifier {
	classifier := &ErrorClassifier{}
	classifier.initializePatterns()
	return classifier
}

// initializePatterns 初始化错误模式，IMAP响应码（RFC 5530）优先于关键词
func (ec *ErrorClassifier) initializePatterns() {
	ec.patterns = []ErrorPattern{
		{
			Codes:    []string{"[AUTHENTICATIONFAILED]", "[AUTHORIZATIONFAILED]", "[EXPIRED]"},
			Keywords: []string{"authentication failed", "invalid credentials", "login failed", "web login required", "please log in via your web browser"},
			Type:     ErrorTypeAuth,
			Severity: SeverityHigh,
		},
		{
			Keywords: []string{"invalid_grant", "token expired", "unauthorized_client", "invalid_client"},
			Type:     ErrorTypeOAuth2,
			Severity: SeverityHigh,
		},
		{
			Codes:    []string{"[NONEXISTENT]"},
			Keywords: []string{"unknown mailbox", "mailbox doesn't exist", "mailbox does not exist", "no such mailbox", "folder not found"},
			Type:     ErrorTypeFolderNotFound,
			Severity: SeverityLow,
		},
		{
			Codes:     []string{"[THROTTLED]", "[LIMIT]"},
			Keywords:  []string{"rate limit", "too many requests", "too many simultaneous connections", "bandwidth limits"},
			Type:      ErrorTypeRateLimit,
			Severity:  SeverityMedium,
			Retryable: true,
			Temporary: true,
		},
		{
			Codes:     []string{"[UNAVAILABLE]", "[INUSE]"},
			Keywords:  []string{"service unavailable", "server busy", "temporarily unavailable", "system error"},
			Type:      ErrorTypeServiceUnavailable,
			Severity:  SeverityMedium,
			Retryable: true,
			Temporary: true,
		},
		{
			Codes:    []string{"[OVERQUOTA]"},
			Keywords: []string{"quota exceeded", "mailbox full", "storage limit"},
			Type:     ErrorTypeQuotaExceeded,
			Severity: SeverityHigh,
		},
		{
			Keywords:  []string{"timeout", "timed out", "deadline exceeded"},
			Type:      ErrorTypeTimeout,
			Severity:  SeverityMedium,
			Retryable: true,
			Temporary: true,
		},
		{
			Keywords:  []string{"connection refused", "connection failed", "connection closed", "connection reset", "broken pipe", "eof", "use of closed network connection", "imap: connection closed"},
			Type:      ErrorTypeConnection,
			Severity:  SeverityMedium,
			Retryable: true,
			Temporary: true,
		},
		{
			Keywords:  []string{"network is unreachable", "no route to host", "host is down", "no such host"},
			Type:      ErrorTypeNetworkError,
			Severity:  SeverityHigh,
			Retryable: true,
			Temporary: true,
		},
		{
			Keywords: []string{"protocol error", "invalid command", "syntax error", "bad command", "parse error"},
			Type:     ErrorTypeProtocol,
			Severity: SeverityHigh,
		},
	}
}

// ClassifyError 分类错误
func (ec *ErrorClassifier) ClassifyError(err error, provider string) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		if pe.Timestamp.IsZero() {
			pe.Timestamp = time.Now()
		}
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ec.fromPattern(err, provider, ec.patternFor(ErrorTypeTimeout), "TIMEOUT")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ec.fromPattern(err, provider, ec.patternFor(ErrorTypeTimeout), "TIMEOUT")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ec.fromPattern(err, provider, ec.patternFor(ErrorTypeConnection), "CONNECTION")
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range ec.patterns {
		if code, ok := ec.matchesPattern(errStr, pattern); ok {
			return ec.fromPattern(err, provider, pattern, code)
		}
	}

	return &ProviderError{
		Type:      ErrorTypeUnknown,
		Code:      "UNKNOWN_ERROR",
		Message:   err.Error(),
		Provider:  provider,
		Severity:  SeverityMedium,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

func (ec *ErrorClassifier) patternFor(t ErrorType) ErrorPattern {
	for _, p := range ec.patterns {
		if p.Type == t {
			return p
		}
	}
	return ErrorPattern{Type: t}
}

func (ec *ErrorClassifier) fromPattern(err error, provider string, pattern ErrorPattern, code string) *ProviderError {
	return &ProviderError{
		Type:      pattern.Type,
		Code:      code,
		Message:   err.Error(),
		Provider:  provider,
		Severity:  pattern.Severity,
		Retryable: pattern.Retryable,
		Temporary: pattern.Temporary,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// matchesPattern 检查是否匹配模式，返回错误代码
func (ec *ErrorClassifier) matchesPattern(errStr string, pattern ErrorPattern) (string, bool) {
	for _, code := range pattern.Codes {
		if strings.Contains(errStr, strings.ToLower(code)) {
			return strings.Trim(code, "[]"), true
		}
	}

	for _, keyword := range pattern.Keywords {
		if strings.Contains(errStr, keyword) {
			return ec.defaultCode(pattern.Type), true
		}
	}

	return "", false
}

// defaultCode 没有响应码时根据错误类型返回代码
func (ec *ErrorClassifier) defaultCode(t ErrorType) string {
	switch t {
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeConnection:
		return "CONNECTION"
	default:
		return strings.ToUpper(string(t))
	}
}

var defaultClassifier = NewErrorClassifier()

// Classify 使用默认分类器分类错误
func Classify(err error) *ProviderError {
	return defaultClassifier.ClassifyError(err, "")
}

// IsAuthError 认证类错误，重试无意义。只认登录和令牌刷新产生的ProviderError，
// 不按错误文本判断，文本中可能带有文件夹名等用户数据
func IsAuthError(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Type {
	case ErrorTypeAuth, ErrorTypeCredentials, ErrorTypeOAuth2:
		return true
	}
	return false
}

// IsConnectionError 连接已不可用，会话需要丢弃
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Type {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeNetworkError:
		return true
	}
	return false
}

// IsFolderNotFound 文件夹在远端已不存在
func IsFolderNotFound(err error) bool {
	return err != nil && Classify(err).Type == ErrorTypeFolderNotFound
}

// IsThrottled 服务器限流
func IsThrottled(err error) bool {
	return err != nil && Classify(err).Type == ErrorTypeRateLimit
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	BackoffFactor   float64       `json:"backoff_factor"`
	Jitter          bool          `json:"jitter"`
	RetryableErrors []ErrorType   `json:"retryable_errors"`
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Second * 2,
		MaxDelay:      time.Minute * 2,
		BackoffFactor: 2.0,
		Jitter:        true,
		RetryableErrors: []ErrorType{
			ErrorTypeConnection,
			ErrorTypeTimeout,
			ErrorTypeNetworkError,
			ErrorTypeRateLimit,
			ErrorTypeServiceUnavailable,
		},
	}
}

// RetryHandler 重试处理器
type RetryHandler struct {
	config     *RetryConfig
	classifier *ErrorClassifier
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryHandler 创建重试处理器
func NewRetryHandler(config *RetryConfig) *RetryHandler {
	if config == nil {
		config = DefaultRetryConfig()
	}

	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
		sleep:      sleepContext,
	}
}

// ShouldRetry 判断是否应该重试
func (rh *RetryHandler) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}

	if attempt >= rh.config.MaxAttempts {
		return false
	}

	providerErr := rh.classifier.ClassifyError(err, "")
	if !providerErr.Retryable {
		return false
	}

	for _, retryableType := range rh.config.RetryableErrors {
		if providerErr.Type == retryableType {
			return true
		}
	}

	return false
}

// CalculateDelay 计算重试延迟
func (rh *RetryHandler) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return rh.config.BaseDelay
	}

	delay := rh.config.BaseDelay
	for i := 0; i < attempt && delay < rh.config.MaxDelay; i++ {
		delay = time.Duration(float64(delay) * rh.config.BackoffFactor)
	}

	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	// 10%的抖动
	if rh.config.Jitter {
		jitter := time.Duration(float64(delay) * 0.1)
		delay += time.Duration(float64(jitter) * (2*rand.Float64() - 1))
	}

	return delay
}

// ExecuteWithRetry 执行带重试的操作，只重试可重试的错误
func (rh *RetryHandler) ExecuteWithRetry(ctx context.Context, operation func() error, provider string) error {
	var lastErr error

	for attempt := 0; attempt < rh.config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !rh.ShouldRetry(err, attempt) {
			break
		}

		if attempt == rh.config.MaxAttempts-1 {
			break
		}

		if err := rh.sleep(ctx, rh.CalculateDelay(attempt)); err != nil {
			return err
		}
	}

	return lastErr
}

// Run 无限重试整个操作，直到成功、context取消或遇到failFast判定为终止的错误。
// onRetry在每次等待前调用
func (rh *RetryHandler) Run(ctx context.Context, operation func(ctx context.Context) error, failFast func(error) bool, onRetry func(err error, attempt int, delay time.Duration)) error {
	for attempt := 0; ; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failFast != nil && failFast(err) {
			return err
		}

		delay := rh.CalculateDelay(attempt)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
		if err := rh.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
