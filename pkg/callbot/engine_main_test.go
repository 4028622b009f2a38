package callbot

import (
	"io"
	"os"
	"testing"

	"github.com/harunnryd/callbot/pkg/runner"
)

func TestMain(m *testing.M) {
	runner.BannerOutput = io.Discard
	os.Exit(m.Run())
}
