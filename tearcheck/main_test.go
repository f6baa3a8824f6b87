package tearcheck

import (
	"testing"

	cmdtesting "github.com/clktmr/cmdmode/testing"
)

func TestMain(m *testing.M) { cmdtesting.TestMain(m) }
