package olap

import (
	"database/sql"
	"sync/atomic"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stleox/seespan/pkg/config"
	"github.com/stleox/seespan/pkg/exporter"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ exporter.Sink = (*Olap)(nil)

// Olap keeps a copy of every finished span in the `t_span` table, so that
// traces can be queried after the tracer backend dropped them.
type Olap struct {
	spanInserter *sqlx.BulkInserter

	numInserted atomic.Int64
	numFailed   atomic.Int64
}

func NewOlap(dsn string) *Olap {
	db := sqlx.NewMysql(dsn)

	err := CreateSpanTable(db)
	if err != nil {
		logrus.WithError(err).Error("SeeSpan couldn't create table t_span")
		return nil
	}

	spanInserter, err := NewSpanInserter(db)
	if err != nil {
		logrus.WithError(err).Error("SeeSpan couldn't open table t_span")
		return nil
	}

	o := &Olap{
		spanInserter: spanInserter,
	}
	spanInserter.SetResultHandler(o.onFlushed)
	return o
}

func CreateSpanTable(db sqlx.SqlConn) error {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS `t_span` " +
		"(span_id BIGINT, " +
		"parent_id BIGINT, " +
		"is_top BOOLEAN, " +
		"name VARCHAR(255), " +
		"process_id BIGINT, " +
		"thread_id BIGINT, " +
		"correlation_id VARCHAR(127), " +
		"hostname VARCHAR(127), " +
		"file_name VARCHAR(255), " +
		"line_number INT, " +
		"start_time DATETIME(6), " +
		"end_time DATETIME(6), " +
		"duration_us BIGINT) " +
		"DISTRIBUTED BY HASH(process_id, thread_id) BUCKETS 32 " +
		"PROPERTIES (\"replication_num\" = \"1\");")
	return err
}

func NewSpanInserter(db sqlx.SqlConn) (*sqlx.BulkInserter, error) {
	return sqlx.NewBulkInserter(db, "INSERT INTO `t_span` "+
		"(span_id, "+
		"parent_id, "+
		"is_top, "+
		"name, "+
		"process_id, "+
		"thread_id, "+
		"correlation_id, "+
		"hostname, "+
		"file_name, "+
		"line_number, "+
		"start_time, "+
		"end_time, "+
		"duration_us) "+
		"VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)")
}

// spanRow lays out a finished span in the column order of NewSpanInserter.
func spanRow(f exporter.FinishedSpan) []any {
	s := f.Start
	var parentID uint64
	if !s.IsTop {
		parentID = uint64(s.ParentID)
	}
	return []any{
		uint64(s.ID),
		parentID,
		s.IsTop,
		s.SymbolicName,
		s.ProcessID,
		s.ThreadID,
		s.CorrelationID,
		s.Hostname,
		s.FileName,
		s.LineNumber,
		s.Timestamp.UTC().Format(config.DATE6),
		f.End.Timestamp.UTC().Format(config.DATE6),
		f.End.Timestamp.Sub(s.Timestamp).Microseconds(),
	}
}

// Record implements exporter.Sink.
func (o *Olap) Record(f exporter.FinishedSpan) {
	if o == nil || f.Start == nil || f.End == nil {
		return
	}
	if err := o.spanInserter.Insert(spanRow(f)...); err != nil {
		o.numFailed.Add(1)
		logrus.WithError(err).WithField("span_id", f.Start.ID).Warn("SeeSpan couldn't insert into t_span")
		return
	}
	o.numInserted.Add(1)
}

func (o *Olap) onFlushed(_ sql.Result, err error) {
	if err != nil {
		logrus.WithError(err).Error("SeeSpan couldn't flush t_span")
	}
}

// Flush writes the buffered rows now.
func (o *Olap) Flush() {
	if o == nil {
		return
	}
	o.spanInserter.Flush()
}

func (o *Olap) Inserted() int64 {
	if o == nil {
		return 0
	}
	return o.numInserted.Load()
}

func (o *Olap) Failed() int64 {
	if o == nil {
		return 0
	}
	return o.numFailed.Load()
}
