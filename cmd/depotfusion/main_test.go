package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchAliasesDefaultsToDefaultBranch(t *testing.T) {
	assert.Equal(t, []string{"main"}, branchAliases(nil, "main"))
}

func TestBranchAliasesResolvesDeclaredSpecs(t *testing.T) {
	got := branchAliases([]string{"dev", "rel/2.0:release"}, "main")
	assert.Equal(t, []string{"dev", "release"}, got)
}
