// Package sources holds the registry of every metadata source built in.
package sources

import (
	"github.com/cloudboss/metaboot/pkg/datasource"
	"github.com/cloudboss/metaboot/pkg/datasource/ec2"
	"github.com/cloudboss/metaboot/pkg/datasource/exoscale"
)

// Registry lists the sources in order of preference.
var Registry = datasource.Registry{
	{
		Name:         exoscale.Name,
		Dependencies: exoscale.Dependencies,
		New:          exoscale.New,
	},
	{
		Name:         ec2.Name,
		Dependencies: ec2.Dependencies,
		New:          ec2.New,
	},
}
