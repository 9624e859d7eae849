package dnsprovider

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/go-acme/lego/v4/challenge/dns01"
)

const (
	route53Propagation = 60
	route53TTL         = 60
	defaultAWSRegion   = "us-east-1"
)

type route53API interface {
	ListHostedZonesPagesWithContext(aws.Context, *route53.ListHostedZonesInput, func(*route53.ListHostedZonesOutput, bool) bool, ...request.Option) error
	ChangeResourceRecordSetsWithContext(aws.Context, *route53.ChangeResourceRecordSetsInput, ...request.Option) (*route53.ChangeResourceRecordSetsOutput, error)
}

// newRoute53Client uses accesskey/secretkey when given and the shared AWS configuration otherwise.
func newRoute53Client(p params) (route53API, error) {
	region := p.get("region")
	if region == "" {
		region = defaultAWSRegion
	}
	cfg := aws.NewConfig().WithRegion(region)
	if key := p.get("accesskey"); key != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(key, p.get("secretkey"), ""))
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	return route53.New(sess), nil
}

type route53Provider struct {
	client route53API
}

func (p *route53Provider) ID() string                   { return ProviderRoute53 }
func (p *route53Provider) Title() string                { return "Amazon Route 53 DNS API" }
func (p *route53Provider) PropagationDelaySeconds() int { return route53Propagation }
func (p *route53Provider) IsManual() bool               { return false }

func (p *route53Provider) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone
	err := p.client.ListHostedZonesPagesWithContext(ctx, &route53.ListHostedZonesInput{
		MaxItems: aws.String("100"),
	}, func(page *route53.ListHostedZonesOutput, lastPage bool) bool {
		for _, hz := range page.HostedZones {
			if hz.Name == nil || hz.Id == nil || *hz.Name == "local." {
				continue
			}
			// "/hostedzone/ZFOO" -> "ZFOO"
			zones = append(zones, Zone{ID: path.Base(*hz.Id), Name: dns01.UnFqdn(*hz.Name)})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("listing Route 53 hosted zones: %w", err)
	}
	return zones, nil
}

func (p *route53Provider) CreateRecord(ctx context.Context, req RecordRequest) Result {
	return p.change(ctx, route53.ChangeActionUpsert, req)
}

func (p *route53Provider) DeleteRecord(ctx context.Context, req RecordRequest) Result {
	return p.change(ctx, route53.ChangeActionDelete, req)
}

func (p *route53Provider) change(ctx context.Context, action string, req RecordRequest) Result {
	zoneID, err := ResolveZoneID(ctx, p, req.TargetDomain, req.ZoneID)
	if err != nil {
		return failure(err.Error())
	}
	if zoneID == "" {
		return failure(fmt.Sprintf("Route 53: no hosted zone found for %s", req.TargetDomain))
	}

	recordType := req.RecordType
	if recordType == "" {
		recordType = route53.RRTypeTxt
	}
	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{{
				Action: aws.String(action),
				ResourceRecordSet: &route53.ResourceRecordSet{
					Name: aws.String(dns01.ToFqdn(req.RecordName)),
					Type: aws.String(recordType),
					TTL:  aws.Int64(route53TTL),
					ResourceRecords: []*route53.ResourceRecord{
						{Value: aws.String(fmt.Sprintf("%q", req.RecordValue))},
					},
				},
			}},
		},
	}
	if _, err := p.client.ChangeResourceRecordSetsWithContext(ctx, input); err != nil {
		return failure(fmt.Sprintf("Route 53: %s of %s failed: %v", strings.ToLower(action), req.RecordName, err))
	}
	return success(fmt.Sprintf("Route 53: %s %s in zone %s", strings.ToLower(action), req.RecordName, zoneID))
}

func (p *route53Provider) Test(ctx context.Context) Result {
	zones, err := p.ListZones(ctx)
	if err != nil {
		return failure(err.Error())
	}
	return success(fmt.Sprintf("Route 53: %d hosted zones accessible", len(zones)))
}
