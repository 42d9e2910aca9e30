package logger

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ComponentCount is the number of warnings and errors logged by one component.
type ComponentCount struct {
	Warns  int64
	Errors int64
}

type levelCount struct {
	warns, errors atomic.Int64
}

var componentCounts sync.Map // component -> *levelCount

// countingHook tallies warnings and errors per component for the runtime
// report. Entries without a component are counted under "".
type countingHook struct{}

func (countingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (countingHook) Fire(entry *logrus.Entry) error {
	component, _ := entry.Data["component"].(string)
	v, _ := componentCounts.LoadOrStore(component, &levelCount{})
	lc := v.(*levelCount)
	if entry.Level == logrus.WarnLevel {
		lc.warns.Add(1)
	} else {
		lc.errors.Add(1)
	}
	return nil
}

// ComponentCounts returns the warn/error totals per component since start.
func ComponentCounts() map[string]ComponentCount {
	out := make(map[string]ComponentCount)
	componentCounts.Range(func(k, v any) bool {
		lc := v.(*levelCount)
		out[k.(string)] = ComponentCount{Warns: lc.warns.Load(), Errors: lc.errors.Load()}
		return true
	})
	return out
}
