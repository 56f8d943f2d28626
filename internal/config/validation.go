package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverBolt:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/bolt")
	}
	if g.CompressThreshold < 0 {
		return newFieldError("Global.CompressThreshold", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.OfflineConcurrency <= 0 {
		return newFieldError("Global.OfflineConcurrency", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if strings.ContainsAny(site.Name, `/\ `) {
			return newFieldError(siteField(site.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := validateOrigin(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if strings.TrimSpace(site.ManifestPath) == "" {
			return newFieldError(siteField(site.Name, "ManifestPath"), "不能为空")
		}
		for _, entry := range site.Shell {
			if strings.TrimSpace(entry) == "" {
				return newFieldError(siteField(site.Name, "Shell"), "不允许空条目")
			}
		}

		buckets := map[string]struct{}{}
		for _, name := range []string{site.StagingCache, site.ContentCache, site.ManifestCache} {
			if _, dup := buckets[name]; dup {
				return newFieldError(siteField(site.Name, "Cache"), fmt.Sprintf("缓存桶名称重复: %s", name))
			}
			buckets[name] = struct{}{}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

// validateOrigin 要求上游只包含 scheme + host，缓存键均相对 origin 根路径计算。
func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("上游只能是 origin，不允许路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("上游不允许 query/fragment: %s", raw)
	}
	return nil
}
