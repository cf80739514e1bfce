// Package exoscale is the metadata source for Exoscale instances. Metadata
// and user data come from an EC2 style tree and the initial password from a
// separate password server on the same host.
package exoscale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudboss/metaboot/pkg/config"
	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/datasource"
	"github.com/cloudboss/metaboot/pkg/httpclient"
	"github.com/cloudboss/metaboot/pkg/metadata"
	"github.com/cloudboss/metaboot/pkg/observe"
	"github.com/cloudboss/metaboot/pkg/password"
	"github.com/cloudboss/metaboot/pkg/poll"
)

const Name = "exoscale"

var Dependencies = []datasource.Dependency{datasource.DepFilesystem, datasource.DepNetwork}

type client interface {
	httpclient.Fetcher
	httpclient.Prober
}

type Source struct {
	cfg       *config.Config
	client    client
	poller    *poll.Poller
	handshake *password.Handshake
	observer  observe.Observer
}

func New(cfg *config.Config, logger *slog.Logger, observer observe.Observer) (datasource.Source, error) {
	src, err := newSource(cfg, httpclient.NewClient(cfg.RetryPolicy(), logger), observer)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func newSource(cfg *config.Config, c client, observer observe.Observer) (*Source, error) {
	if observer == nil {
		observer = observe.Nop{}
	}
	passwordURL, err := cfg.PasswordURL()
	if err != nil {
		return nil, err
	}
	return &Source{
		cfg:       cfg,
		client:    c,
		poller:    poll.New(c, observer),
		handshake: password.NewHandshake(c, passwordURL, observer),
		observer:  observer,
	}, nil
}

func (s *Source) Name() string {
	return Name
}

func (s *Source) Dependencies() []datasource.Dependency {
	return Dependencies
}

func (s *Source) WaitForService(ctx context.Context) (string, error) {
	urls := []string{s.cfg.MetadataURL(constants.MetadataKeyInstanceID)}
	return s.poller.Wait(ctx, urls, s.cfg.PollPolicy())
}

func (s *Source) FetchMetadata(ctx context.Context) (map[string]any, error) {
	url := s.cfg.MetadataURL("")
	start := time.Now()
	md, err := metadata.Crawl(ctx, s.client, url)
	s.observer.FetchDone("meta-data", url, time.Since(start), err)
	return md, err
}

// FetchUserData returns nil without error when the instance has no user data.
func (s *Source) FetchUserData(ctx context.Context) ([]byte, error) {
	url := s.cfg.UserDataURL()
	start := time.Now()
	userData, err := s.client.Fetch(ctx, url, nil)
	s.observer.FetchDone("user-data", url, time.Since(start), err)
	if httpclient.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get user data: %w", err)
	}
	return userData, nil
}

func (s *Source) FetchPassword(ctx context.Context) (password.Result, error) {
	return s.handshake.Retrieve(ctx)
}
