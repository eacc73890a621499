package config

import "strings"

// IMAPPreset 内置IMAP服务器配置
type IMAPPreset struct {
	Name         string   `json:"name"`
	IMAPHost     string   `json:"imap_host"`
	IMAPPort     int      `json:"imap_port"`
	IMAPSecurity string   `json:"imap_security"` // "SSL", "TLS", "STARTTLS", "NONE"
	AuthMethods  []string `json:"auth_methods"`  // "password", "oauth2"
	Domains      []string `json:"domains"`
	// Gmail扩展（X-GM-MSGID/X-GM-THRID/X-GM-LABELS）
	Gmail bool `json:"gmail"`
}

// GetBuiltinPresets 获取内置IMAP服务器配置
func GetBuiltinPresets() map[string]IMAPPreset {
	return map[string]IMAPPreset{
		"gmail": {
			Name:         "gmail",
			IMAPHost:     "imap.gmail.com",
			IMAPPort:     993,
			IMAPSecurity: "SSL",
			AuthMethods:  []string{"oauth2", "password"},
			Domains:      []string{"gmail.com", "googlemail.com"},
			Gmail:        true,
		},
		"outlook": {
			Name:         "outlook",
			IMAPHost:     "outlook.office365.com",
			IMAPPort:     993,
			IMAPSecurity: "SSL",
			AuthMethods:  []string{"oauth2"},
			Domains:      []string{"outlook.*", "hotmail.*", "live.*", "msn.*"},
		},
		"qq": {
			Name:         "qq",
			IMAPHost:     "imap.qq.com",
			IMAPPort:     993,
			IMAPSecurity: "SSL",
			AuthMethods:  []string{"password"},
			Domains:      []string{"qq.com", "vip.qq.com", "foxmail.com"},
		},
		"163": {
			Name:         "163",
			IMAPHost:     "imap.163.com",
			IMAPPort:     993,
			IMAPSecurity: "SSL",
			AuthMethods:  []string{"password"},
			Domains:      []string{"163.com", "126.com", "yeah.net"},
		},
		"icloud": {
			Name:         "icloud",
			IMAPHost:     "imap.mail.me.com",
			IMAPPort:     993,
			IMAPSecurity: "SSL",
			AuthMethods:  []string{"password"},
			Domains:      []string{"icloud.com", "me.com", "mac.com"},
		},
		"yahoo": {
			Name:         "yahoo",
			IMAPHost:     "imap.mail.yahoo.com",
			IMAPPort:     993,
			IMAPSecurity: "SSL",
			AuthMethods:  []string{"password"},
			Domains:      []string{"yahoo.*", "ymail.com"},
		},
	}
}

// GetPresetByEmail 根据邮箱地址获取内置配置，未匹配时返回nil
func GetPresetByEmail(email string) *IMAPPreset {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return nil
	}
	domain := strings.ToLower(email[at+1:])

	for _, preset := range GetBuiltinPresets() {
		for _, supported := range preset.Domains {
			if DomainMatches(supported, domain) {
				p := preset
				return &p
			}
		}
	}
	return nil
}

// DomainMatches 判断域匹配，支持后缀通配 *.（例如 outlook.* 匹配 outlook.com/outlook.fr）
func DomainMatches(pattern string, domain string) bool {
	if pattern == "" || domain == "" {
		return false
	}

	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return domain == prefix || strings.HasPrefix(domain, prefix+".")
	}

	return pattern == domain
}
