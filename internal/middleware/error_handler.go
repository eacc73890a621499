package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 统一错误响应格式
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// ErrorHandler panic恢复中间件，verbose为true时在响应中返回panic内容
func ErrorHandler(verbose bool) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		var msg string
		switch v := recovered.(type) {
		case string:
			msg = v
		case error:
			msg = v.Error()
		default:
			msg = fmt.Sprintf("Unknown error: %v", recovered)
		}

		entry := logrus.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
		if verbose {
			entry = entry.WithField("stack", string(debug.Stack()))
		}
		entry.Errorf("Panic recovered: %s", msg)

		response := ErrorResponse{
			Error:   "Internal Server Error",
			Message: "An unexpected error occurred",
			Code:    "INTERNAL_ERROR",
		}
		if verbose {
			response.Details = msg
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, response)
	})
}

// RequestLogger 请求日志中间件
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"status":   c.Writer.Status(),
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Warn("Request failed")
		default:
			entry.Debug("Request handled")
		}
	}
}

// HandleError 处理业务错误
func HandleError(c *gin.Context, err error, statusCode int) {
	if err == nil {
		return
	}
	if statusCode >= http.StatusInternalServerError {
		logrus.WithField("path", c.Request.URL.Path).WithError(err).Error("Request error")
	}
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error:   getErrorMessage(statusCode),
		Message: err.Error(),
		Code:    getErrorCode(statusCode),
	})
}

// HandleValidationError 处理验证错误
func HandleValidationError(c *gin.Context, field string, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Validation Error",
		Message: fmt.Sprintf("Validation failed for field '%s': %s", field, message),
		Code:    "VALIDATION_ERROR",
		Details: map[string]string{
			"field":   field,
			"message": message,
		},
	})
}

// HandleNotFoundError 处理资源不存在错误
func HandleNotFoundError(c *gin.Context, resource string, id interface{}) {
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error:   "Resource Not Found",
		Message: fmt.Sprintf("%s with ID '%v' not found", resource, id),
		Code:    "NOT_FOUND",
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	})
}

// HandleUnauthorizedError 处理未授权错误
func HandleUnauthorizedError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error:   "Unauthorized",
		Message: message,
		Code:    "UNAUTHORIZED",
	})
}

// HandleForbiddenError 处理禁止访问错误
func HandleForbiddenError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
		Error:   "Forbidden",
		Message: message,
		Code:    "FORBIDDEN",
	})
}

// HandleServiceUnavailableError 处理服务不可用错误
func HandleServiceUnavailableError(c *gin.Context, service string, reason string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   "Service Unavailable",
		Message: fmt.Sprintf("Service '%s' is currently unavailable: %s", service, reason),
		Code:    "SERVICE_UNAVAILABLE",
		Details: map[string]string{
			"service": service,
			"reason":  reason,
		},
	})
}

// getErrorMessage 根据状态码获取错误消息
func getErrorMessage(statusCode int) string {
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return "Unknown Error"
}

// getErrorCode 根据状态码获取错误代码
func getErrorCode(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "UNPROCESSABLE_ENTITY"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusBadGateway:
		return "BAD_GATEWAY"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
