// Package credentials obtains and caches temporary role credentials from STS.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"

	"github.com/skylark-labs/credgate/internal/mapping"
)

// imdsTimeLayout matches the metadata service's credential timestamps. SDK
// clients parse this format; it must not drift.
const imdsTimeLayout = "2006-01-02T15:04:05.00Z"

// AssumeRoler is the STS AssumeRole collaborator (enables testing).
type AssumeRoler interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// NewSTSClient constructs the one STS client handle for the process.
func NewSTSClient(ctx context.Context, region, endpoint string) (*sts.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Credential holds one set of vended temporary credentials.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
	LastUpdated     time.Time
}

// securityCredentialBody is the fixed wire shape of a credential response.
type securityCredentialBody struct {
	Code            string `json:"Code"`
	LastUpdated     string `json:"LastUpdated"`
	Type            string `json:"Type"`
	AccessKeyId     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	Expiration      string `json:"Expiration"`
}

// MarshalIMDS serializes the credential in the metadata-service body format.
func (c *Credential) MarshalIMDS() ([]byte, error) {
	return json.MarshalIndent(securityCredentialBody{
		Code:            "Success",
		LastUpdated:     c.LastUpdated.UTC().Format(imdsTimeLayout),
		Type:            "AWS-HMAC",
		AccessKeyId:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Token:           c.SessionToken,
		Expiration:      c.Expiration.UTC().Format(imdsTimeLayout),
	}, "", "  ")
}

// assumeRoleInput translates a RoleRequest into the STS call parameters.
func assumeRoleInput(req mapping.RoleRequest) *sts.AssumeRoleInput {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(req.RoleArn),
		RoleSessionName: aws.String(req.SessionName),
	}
	if req.DurationSeconds > 0 {
		input.DurationSeconds = aws.Int32(req.DurationSeconds)
	}
	if req.InlinePolicy != "" {
		input.Policy = aws.String(req.InlinePolicy)
	}
	for _, arn := range req.ManagedPolicyArns {
		input.PolicyArns = append(input.PolicyArns, types.PolicyDescriptorType{Arn: aws.String(arn)})
	}
	if req.ExternalID != "" {
		input.ExternalId = aws.String(req.ExternalID)
	}
	if req.SerialNumber != "" {
		input.SerialNumber = aws.String(req.SerialNumber)
	}
	if req.TokenCode != "" {
		input.TokenCode = aws.String(req.TokenCode)
	}
	return input
}
