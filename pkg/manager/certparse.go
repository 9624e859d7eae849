package manager

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// ItemRequest holds a managed certificate definition parsed from the command line
type ItemRequest struct {
	Name          string
	Domains       []string
	KeyType       string
	ChallengeType string
	Provider      string
	CredentialKey string
	ZoneID        string
	SiteID        string
	WebRoot       string
	AutoRenew     bool
	Parameters    map[string]string
}

// ParseItemArg parses name@domain1,domain2/key=value/... into an ItemRequest.
// Without '@' the single domain doubles as the name. Recognised keys are key_type,
// challenge, provider, credential, zoneid, site, webroot and auto_renew; any other
// key is passed on to the DNS provider as a parameter.
func ParseItemArg(arg string) (*ItemRequest, error) {
	atIndex := strings.Index(arg, "@")
	slashIndex := strings.Index(arg, "/")
	if atIndex != -1 && slashIndex != -1 && slashIndex < atIndex {
		return nil, fmt.Errorf("invalid format: unexpected '/' in certificate name part")
	}

	parts := strings.Split(arg, "/")
	domainPart := parts[0]

	// a segment without '=' continues the previous value, so script paths survive the split
	var params []string
	for _, seg := range parts[1:] {
		if strings.Contains(seg, "=") || len(params) == 0 {
			params = append(params, seg)
			continue
		}
		params[len(params)-1] += "/" + seg
	}

	req := &ItemRequest{AutoRenew: true, Parameters: map[string]string{}}
	for _, param := range params {
		if param == "" {
			continue
		}
		key, value, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter '%s': expected key=value", param)
		}
		if err := req.setParameter(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}

	if !strings.Contains(domainPart, "@") {
		if domainPart == "" {
			return nil, fmt.Errorf("empty domain name")
		}
		if strings.ContainsAny(domainPart, "\\") || !IsValidDNSName(domainPart) {
			return nil, fmt.Errorf("invalid domain name '%s': does not conform to DNS name standards", domainPart)
		}
		req.Name = domainPart
		req.Domains = []string{domainPart}
		return req, nil
	}

	name, domainList, _ := strings.Cut(domainPart, "@")
	if name == "" || domainList == "" {
		return nil, fmt.Errorf("invalid format: expected 'name@domain1,domain2,...', got '%s'", domainPart)
	}
	if strings.ContainsAny(name, "\\") {
		return nil, fmt.Errorf("invalid certificate name '%s': must not contain '/' or '\\'", name)
	}

	for _, d := range strings.Split(domainList, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if !IsValidDNSName(d) {
			return nil, fmt.Errorf("invalid domain name '%s': does not conform to DNS name standards", d)
		}
		req.Domains = append(req.Domains, d)
	}
	if len(req.Domains) == 0 {
		return nil, fmt.Errorf("no valid domains found after '@' in argument '%s'", domainPart)
	}
	req.Name = name
	return req, nil
}

func (r *ItemRequest) setParameter(key, value string) error {
	switch key {
	case "key_type":
		if !isValidKeyType(value) {
			return fmt.Errorf("invalid key_type '%s'", value)
		}
		r.KeyType = value
	case "challenge":
		switch value {
		case common.ChallengeTypeHTTP, common.ChallengeTypeDNS, common.ChallengeTypeSNI:
			r.ChallengeType = value
		default:
			return fmt.Errorf("invalid challenge type '%s'", value)
		}
	case "provider":
		r.Provider = value
	case "credential":
		r.CredentialKey = value
	case "zoneid":
		r.ZoneID = value
	case "site":
		r.SiteID = value
	case "webroot":
		r.WebRoot = value
	case "auto_renew":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid auto_renew value '%s'", value)
		}
		r.AutoRenew = b
	default:
		r.Parameters[key] = value
	}
	return nil
}

// ToManagedCertificate builds a new managed item. The id is left empty for the store to assign.
func (r *ItemRequest) ToManagedCertificate() *common.ManagedCertificate {
	challengeType := r.ChallengeType
	if challengeType == "" {
		challengeType = common.ChallengeTypeHTTP
		if r.Provider != "" {
			challengeType = common.ChallengeTypeDNS
		}
	}

	cc := common.ChallengeConfig{
		ChallengeType:          challengeType,
		ChallengeProvider:      r.Provider,
		ChallengeCredentialKey: r.CredentialKey,
		ZoneID:                 r.ZoneID,
	}
	keys := make([]string, 0, len(r.Parameters))
	for k := range r.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cc.Parameters = append(cc.Parameters, common.ProviderParameter{Key: k, Value: r.Parameters[k]})
	}

	itemType := common.ItemTypeManual
	if r.SiteID != "" {
		itemType = common.ItemTypeLocalServer
	}

	item := &common.ManagedCertificate{
		GroupID:            r.SiteID,
		Name:               r.Name,
		ItemType:           itemType,
		IncludeInAutoRenew: r.AutoRenew,
		RequestConfig: common.RequestConfig{
			PrimaryDomain:                    r.Domains[0],
			SubjectAlternativeNames:          append([]string(nil), r.Domains...),
			ChallengeType:                    challengeType,
			Challenges:                       []common.ChallengeConfig{cc},
			WebsiteRootPath:                  r.WebRoot,
			KeyType:                          r.KeyType,
			PerformChallengeFileCopy:         true,
			PerformExtensionlessConfigChecks: true,
			PerformTlsSniBindingConfigChecks: true,
		},
	}
	for i, d := range r.Domains {
		item.DomainOptions = append(item.DomainOptions, common.DomainOption{
			Domain:          d,
			IsPrimaryDomain: i == 0,
			IsSelected:      true,
		})
	}
	return item
}
