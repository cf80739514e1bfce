// Package ec2 is a metadata source for platforms that serve an EC2
// compatible instance metadata service. It has no password capability.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/cloudboss/metaboot/pkg/config"
	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/datasource"
	"github.com/cloudboss/metaboot/pkg/observe"
	"github.com/cloudboss/metaboot/pkg/poll"
)

const Name = "ec2"

var Dependencies = []datasource.Dependency{datasource.DepNetwork}

type imdsAPI interface {
	GetMetadata(context.Context, *imds.GetMetadataInput,
		...func(*imds.Options)) (*imds.GetMetadataOutput, error)
	GetUserData(context.Context, *imds.GetUserDataInput,
		...func(*imds.Options)) (*imds.GetUserDataOutput, error)
}

type Source struct {
	cfg      *config.Config
	api      imdsAPI
	observer observe.Observer
}

func New(cfg *config.Config, logger *slog.Logger, observer observe.Observer) (datasource.Source, error) {
	if observer == nil {
		observer = observe.Nop{}
	}
	client := imds.New(imds.Options{
		Endpoint:   strings.TrimSuffix(cfg.ServiceAddress, "/"),
		HTTPClient: awshttp.NewBuildableClient().WithTimeout(cfg.Timeout),
		Retryer: retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = max(cfg.Attempts, 1)
		}),
	})
	return &Source{cfg: cfg, api: client, observer: observer}, nil
}

func (s *Source) Name() string {
	return Name
}

func (s *Source) Dependencies() []datasource.Dependency {
	return Dependencies
}

// Probe checks that the instance ID can be read. The url is only used for
// reporting, the IMDS client builds its own requests.
func (s *Source) Probe(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := s.get(ctx, constants.MetadataKeyInstanceID, func(o *imds.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	return err
}

func (s *Source) WaitForService(ctx context.Context) (string, error) {
	poller := poll.New(s, s.observer)
	urls := []string{s.cfg.MetadataURL(constants.MetadataKeyInstanceID)}
	return poller.Wait(ctx, urls, s.cfg.PollPolicy())
}

func (s *Source) FetchMetadata(ctx context.Context) (map[string]any, error) {
	start := time.Now()
	md, err := s.fetchMetadata(ctx)
	s.observer.FetchDone("meta-data", s.cfg.MetadataURL(""), time.Since(start), err)
	return md, err
}

func (s *Source) fetchMetadata(ctx context.Context) (map[string]any, error) {
	instanceID, err := s.get(ctx, constants.MetadataKeyInstanceID)
	if err != nil {
		return nil, err
	}
	zone, err := s.get(ctx, constants.MetadataKeyEC2AvailZone)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		constants.MetadataKeyInstanceID: instanceID,
		constants.MetadataKeyAvailZone:  zone,
		"placement": map[string]any{
			constants.MetadataKeyAvailZone: zone,
		},
	}, nil
}

// FetchUserData returns nil without error when the instance has no user data.
func (s *Source) FetchUserData(ctx context.Context) ([]byte, error) {
	start := time.Now()
	out, err := s.api.GetUserData(ctx, &imds.GetUserDataInput{})
	s.observer.FetchDone("user-data", s.cfg.UserDataURL(), time.Since(start), err)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get user data: %w", err)
	}
	defer out.Content.Close()

	userData, err := io.ReadAll(out.Content)
	if err != nil {
		return nil, fmt.Errorf("error reading user data: %w", err)
	}
	return userData, nil
}

func (s *Source) get(ctx context.Context, path string, optFns ...func(*imds.Options)) (string, error) {
	resp, err := s.api.GetMetadata(ctx, &imds.GetMetadataInput{Path: path}, optFns...)
	if err != nil {
		return "", fmt.Errorf("error getting %s from metadata: %w", path, err)
	}
	defer resp.Content.Close()

	content, err := io.ReadAll(resp.Content)
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", path, err)
	}
	return string(content), nil
}

func isNotFound(err error) bool {
	var statusErr interface{ HTTPStatusCode() int }
	return errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusNotFound
}
