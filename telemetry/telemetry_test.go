package telemetry

import (
	"testing"

	"github.com/shoenig/test/must"

	metrics "github.com/hashicorp/go-metrics"
)

func TestSetup_RecordsCounters(t *testing.T) {
	sink, err := Setup(Config{ServiceName: "dlb_test_telemetry"})
	must.NoError(t, err)

	metrics.IncrCounter([]string{"cpuinfo", "register"}, 1)

	data := sink.Data()
	must.SliceNotEmpty(t, data)
}
