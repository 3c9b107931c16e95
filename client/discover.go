package client

import (
	"context"
	"errors"
	"fmt"

	"convsync/discovery"
	"convsync/models"
)

// ErrNoServer is returned by Discover when no compatible server answered.
var ErrNoServer = errors.New("client: no convsync server found")

// Discover browses the local network once and returns a client for the first
// compatible API server, in the scanner's name order. Servers advertising a
// different protocol version or API path are skipped.
func Discover(ctx context.Context, cfg discovery.Config, userID int64, opts ...Option) (*Client, error) {
	scanner, err := discovery.NewServerScanner(cfg)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	version := cfg.Version
	if version == 0 {
		version = discovery.DefaultVersion
	}
	for _, srv := range scanner.Servers() {
		if srv.Version != version {
			continue
		}
		if srv.APIPath != "" && srv.APIPath != models.APIBasePath {
			continue
		}
		if base := srv.BaseURL(); base != "" {
			return New(base, userID, opts...), nil
		}
	}
	return nil, ErrNoServer
}
