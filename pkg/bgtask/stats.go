package bgtask

import (
	"github.com/sirupsen/logrus"
	"github.com/stleox/seespan/pkg/olap"
)

type statsSource interface {
	OpenSpans() int
	LiveContexts() int
}

type StatsTask struct {
	source statsSource
	olap   *olap.Olap
}

func (m *BgTaskManager) addStatsTask(schedule string) {
	m.bgTasks = append(m.bgTasks, &cronJob{
		name:     "stats",
		schedule: schedule,
		job:      &StatsTask{source: m.source, olap: m.olap},
	})
}

func (t *StatsTask) Run() {
	fields := logrus.Fields{
		"open_spans":    t.source.OpenSpans(),
		"live_contexts": t.source.LiveContexts(),
	}
	if t.olap != nil {
		fields["olap_inserted"] = t.olap.Inserted()
		fields["olap_failed"] = t.olap.Failed()
	}
	logrus.WithFields(fields).Info("SeeSpan exporter stats")
}

// OlapFlushTask 定期把 t_span 的缓冲行写出
type OlapFlushTask struct {
	olap *olap.Olap
}

func (m *BgTaskManager) addOlapFlushTask(schedule string) {
	m.bgTasks = append(m.bgTasks, &cronJob{
		name:     "olap flush",
		schedule: schedule,
		job:      &OlapFlushTask{olap: m.olap},
	})
}

func (t *OlapFlushTask) Run() {
	t.olap.Flush()
}
