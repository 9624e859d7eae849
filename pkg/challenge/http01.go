package challenge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const (
	// ConfigCheckToken names the check file that is kept across cleanups.
	ConfigCheckToken = "configcheck"
	// ConfigCheckValue is the content of the check file.
	ConfigCheckValue = "Extensionless File Config Test - OK"

	webrootPlaceholder = "%websiteroot%"
	challengeDir       = ".well-known/acme-challenge"
	webConfigFile      = "web.config"
)

// served next to the token files so extensionless files are delivered as text
const defaultWebConfig = `<?xml version="1.0" encoding="UTF-8"?>
<configuration>
  <system.webServer>
    <staticContent>
      <mimeMap fileExtension="." mimeType="text/json" />
    </staticContent>
    <handlers>
      <clear />
      <add name="StaticFile" path="*" verb="*" modules="StaticFileModule" resourceType="Either" requireAccess="Read" />
    </handlers>
  </system.webServer>
</configuration>
`

func (c *Coordinator) prepareHTTP(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate, auth *common.PendingAuthorization, ch *common.AuthorizationChallenge) {
	rc := cert.RequestConfig
	checksEnabled := rc.PerformExtensionlessConfigChecks
	ch.ConfigCheckedOK = true

	webroot, err := resolveWebroot(ctx, server, cert)
	if err != nil || webroot == "" {
		ch.IsFailure = true
		ch.ConfigCheckedOK = false
		ch.ChallengeResultMsg = fmt.Sprintf("Could not determine the website root for %s: %v", auth.Identifier, err)
		return
	}

	dir := filepath.Join(webroot, filepath.FromSlash(challengeDir))
	if err := os.MkdirAll(dir, 0755); err != nil {
		ch.IsFailure = true
		ch.ConfigCheckedOK = false
		ch.ChallengeResultMsg = fmt.Sprintf("Failed to create %s: %v", dir, err)
		return
	}
	ch.ResourcePath = filepath.Join(dir, ch.Token)
	if ch.ResourceURI == "" {
		ch.ResourceURI = fmt.Sprintf("http://%s/%s/%s", strings.TrimPrefix(auth.Identifier, "*."), challengeDir, ch.Token)
	}

	if rc.PerformChallengeFileCopy {
		if err := writeTokenFile(dir, ch.Token, ch.Value); err != nil {
			ch.IsFailure = true
			ch.ConfigCheckedOK = false
			ch.ChallengeResultMsg = fmt.Sprintf("Failed to write challenge file %s: %v", ch.ResourcePath, err)
			return
		}
		if ch.Token != ConfigCheckToken {
			path := ch.ResourcePath
			auth.SetCleanup(func() { c.removeTokenFile(path) })
		}
	}

	check := func() bool {
		if !checksEnabled {
			return true
		}
		return c.HTTPCheck(ctx, ch.ResourceURI, ch.Value)
	}

	webConfig := filepath.Join(dir, webConfigFile)
	if _, err := os.Stat(webConfig); os.IsNotExist(err) {
		if err := os.WriteFile(webConfig, []byte(defaultWebConfig), 0644); err != nil {
			c.Logger.Warnf("Could not write %s: %v", webConfig, err)
		}
		ch.ConfigCheckedOK = check()
	} else {
		ch.ConfigCheckedOK = check()
		if !ch.ConfigCheckedOK && rc.PerformAutoConfig {
			c.Logger.Infof("Config check for %s failed, rewriting %s", auth.Identifier, webConfig)
			if err := os.WriteFile(webConfig, []byte(defaultWebConfig), 0644); err != nil {
				c.Logger.Warnf("Could not write %s: %v", webConfig, err)
			}
			ch.ConfigCheckedOK = check()
		}
	}

	if !ch.ConfigCheckedOK {
		ch.ChallengeResultMsg = fmt.Sprintf("Could not verify %s serves the challenge response", ch.ResourceURI)
	}
}

func (c *Coordinator) removeTokenFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.Logger.Warnf("Could not remove challenge file %s: %v", filepath.Base(path), err)
	}
}

func resolveWebroot(ctx context.Context, server common.ServerProvider, cert *common.ManagedCertificate) (string, error) {
	webroot := strings.TrimSpace(cert.RequestConfig.WebsiteRootPath)
	if webroot != "" && !strings.Contains(strings.ToLower(webroot), webrootPlaceholder) {
		return webroot, nil
	}
	if server == nil {
		return "", fmt.Errorf("no server provider available")
	}
	siteRoot, err := server.GetSiteRoot(ctx, cert.GroupID)
	if err != nil {
		return "", err
	}
	if webroot == "" {
		return siteRoot, nil
	}
	return replaceFold(webroot, webrootPlaceholder, siteRoot), nil
}

func replaceFold(s, placeholder, value string) string {
	idx := strings.Index(strings.ToLower(s), placeholder)
	if idx < 0 {
		return s
	}
	return s[:idx] + value + s[idx+len(placeholder):]
}

// writeTokenFile creates the challenge file unless it already exists.
func writeTokenFile(dir, token, value string) error {
	f, err := os.OpenFile(filepath.Join(dir, token), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
