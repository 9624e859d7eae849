package manager

import (
	"fmt"
	"sort"
	"strings"
)

// RequiredCNAME is a _acme-challenge delegation the operator has to create for acme-dns
type RequiredCNAME struct {
	Domain      string
	CNAMERecord string
	Target      string
}

// CreateRequiredCNAME creates the delegation record of domain pointing at target.
func CreateRequiredCNAME(domain string, target string) RequiredCNAME {
	return RequiredCNAME{
		Domain:      domain,
		CNAMERecord: GetChallengeSubdomain(GetBaseDomain(domain)),
		Target:      strings.TrimSuffix(target, "."),
	}
}

// FormatCNAMERecords renders records in BIND format, one record per record name and
// target, with the domains it serves as a comment. Output is sorted.
func FormatCNAMERecords(records []RequiredCNAME) string {
	type key struct{ record, target string }
	grouped := make(map[key][]string)
	var keys []key
	for _, r := range records {
		k := key{r.CNAMERecord, r.Target}
		if _, ok := grouped[k]; !ok {
			keys = append(keys, k)
		}
		grouped[k] = append(grouped[k], r.Domain)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].record != keys[j].record {
			return keys[i].record < keys[j].record
		}
		return keys[i].target < keys[j].target
	})

	var b strings.Builder
	b.WriteString("Add the following CNAME records to your DNS:\n\n")
	for _, k := range keys {
		var comment []string
		for _, d := range grouped[k] {
			if strings.HasPrefix(d, "*.") {
				d += " (wildcard)"
			}
			comment = append(comment, d)
		}
		fmt.Fprintf(&b, "; %s\n", strings.Join(comment, ", "))
		fmt.Fprintf(&b, "%s. IN CNAME %s.\n\n", k.record, k.target)
	}
	return b.String()
}
