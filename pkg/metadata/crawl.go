package metadata

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudboss/metaboot/pkg/httpclient"
)

// Crawl walks an EC2 style meta-data tree rooted at baseURL and returns it as
// nested maps. Each index line is either a child tree ending in "/", an
// indexed public key of the form "0=name", or a leaf. Leaves with more than
// one line become string slices.
func Crawl(ctx context.Context, fetcher httpclient.Fetcher, baseURL string) (map[string]any, error) {
	return crawl(ctx, fetcher, withSlash(baseURL))
}

func crawl(ctx context.Context, fetcher httpclient.Fetcher, url string) (map[string]any, error) {
	index, err := fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to get metadata index %s: %w", url, err)
	}

	leaves, children := parseIndex(string(index))

	md := make(map[string]any, len(leaves)+len(children))
	for _, child := range children {
		if _, ok := leaves[child]; ok {
			continue
		}
		sub, err := crawl(ctx, fetcher, url+child+"/")
		if err != nil {
			return nil, err
		}
		md[child] = sub
	}
	for field, resource := range leaves {
		value, err := fetcher.Fetch(ctx, url+resource, nil)
		if err != nil {
			return nil, fmt.Errorf("unable to get metadata %s: %w", url+resource, err)
		}
		md[field] = decodeLeaf(string(value))
	}
	return md, nil
}

// parseIndex returns the leaves as field name to resource path and the names
// of the child trees.
func parseIndex(index string) (map[string]string, []string) {
	leaves := map[string]string{}
	children := []string{}
	for _, line := range strings.Split(index, "\n") {
		field := strings.TrimSpace(line)
		if len(field) == 0 {
			continue
		}
		if strings.HasSuffix(field, "/") {
			children = append(children, strings.TrimSuffix(field, "/"))
			continue
		}
		resource := field
		if ident, name, ok := strings.Cut(field, "="); ok {
			if _, err := strconv.Atoi(ident); err == nil {
				resource = ident + "/openssh-key"
				field = name
			}
		}
		leaves[field] = resource
	}
	return leaves, children
}

func decodeLeaf(value string) any {
	if !strings.Contains(value, "\n") {
		return value
	}
	return strings.Split(strings.TrimRight(value, "\n"), "\n")
}

// String returns the string leaf at key, following "/" separated paths into
// child trees.
func String(md map[string]any, key string) (string, bool) {
	var cur any = md
	for _, part := range strings.Split(key, "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case []string:
		if len(v) == 1 {
			return v[0], true
		}
	}
	return "", false
}

func withSlash(url string) string {
	if strings.HasSuffix(url, "/") {
		return url
	}
	return url + "/"
}
