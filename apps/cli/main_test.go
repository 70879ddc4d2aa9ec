package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumesh/edumesh-server/apps/cli/root"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCommand()

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"provision", "golive", "dlq-retry"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestExitCodeContract(t *testing.T) {
	cause := errors.New("schema missing critical tables")

	crit := root.Critical(cause)
	assert.Equal(t, 1, crit.Code)
	assert.ErrorIs(t, crit, cause)

	invalid := root.Invalid(cause)
	assert.Equal(t, 2, invalid.Code)

	var exit root.ExitError
	require.ErrorAs(t, error(crit), &exit)
	assert.Equal(t, 1, exit.Code)
}
