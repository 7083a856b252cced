package dataset

import (
	"bytes"
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
)

// playsParquet encodes two plays shaped like the nflverse release: float
// play_id, int32 season, nullable strings and floats.
func playsParquet(t *testing.T) []byte {
	t.Helper()

	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "game_id", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "play_id", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "season", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "posteam", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "yards_gained", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).AppendValues([]string{"2020_01_ARI_SF", "2020_01_ARI_SF"}, nil)
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{1, 36}, nil)
	b.Field(2).(*array.Int32Builder).AppendValues([]int32{2020, 2020}, nil)
	b.Field(3).(*array.StringBuilder).AppendValues([]string{"ARI", ""}, []bool{true, false})
	b.Field(4).(*array.Float64Builder).AppendValues([]float64{0, 7}, []bool{false, true})

	rec := b.NewRecord()
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	defer tbl.Release()

	var buf bytes.Buffer
	if err := pqarrow.WriteTable(tbl, &buf, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()); err != nil {
		t.Fatalf("write parquet fixture: %v", err)
	}
	return buf.Bytes()
}
