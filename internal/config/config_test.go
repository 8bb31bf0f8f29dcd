package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Default("forker", []string{"/data/incoming"}, []Target{
		{ID: "t1", Root: "/data/target1"},
		{ID: "t2", Root: "/data/target2"},
	}, "/var/lib/forker/forker.db")
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsSingleTarget(t *testing.T) {
	c := validConfig()
	c.Targets = c.Targets[:1]
	require.Error(t, c.Validate())
}

func TestValidateRejectsDuplicateTargetIDs(t *testing.T) {
	c := validConfig()
	c.Targets[1].ID = c.Targets[0].ID
	require.Error(t, c.Validate())
}

func TestValidateRejectsMissingSourceRoots(t *testing.T) {
	c := validConfig()
	c.SourceRoots = nil
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	c := validConfig()
	c.Concurrency.Max = 0
	require.Error(t, c.Validate())
}
