package weightsource

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bolt/internal/engine"
)

// Named f32 tensors travel as Arrow record batches with one row per
// tensor: name, shape, flattened data. This is the already-parsed form
// the engine consumes; converting model files into it is somebody
// else's job.
func schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// WriteIPC streams the tensor map as a single Arrow IPC record batch.
func WriteIPC(w io.Writer, tensors map[string]engine.Tensor) error {
	mem := memory.NewGoAllocator()
	sc := schema()

	builder := array.NewRecordBuilder(mem, sc)
	defer builder.Release()

	nameB := builder.Field(0).(*array.StringBuilder)
	shapeB := builder.Field(1).(*array.ListBuilder)
	shapeVals := shapeB.ValueBuilder().(*array.Int64Builder)
	dataB := builder.Field(2).(*array.ListBuilder)
	dataVals := dataB.ValueBuilder().(*array.Float32Builder)

	for name, t := range tensors {
		nameB.Append(name)

		shapeB.Append(true)
		for _, d := range t.Shape {
			shapeVals.Append(int64(d))
		}

		dataB.Append(true)
		dataVals.AppendValues(t.Data, nil)
	}

	rec := builder.NewRecord()
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(sc), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("writing tensor record: %w", err)
	}
	return writer.Close()
}

// ReadIPC reads every record batch on the stream into a tensor map.
func ReadIPC(r io.Reader) (map[string]engine.Tensor, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("opening tensor stream: %w", err)
	}
	defer reader.Release()

	tensors := make(map[string]engine.Tensor)
	for reader.Next() {
		rec := reader.Record()
		if err := appendRecord(tensors, rec); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading tensor stream: %w", err)
	}
	return tensors, nil
}

func appendRecord(tensors map[string]engine.Tensor, rec arrow.Record) error {
	if rec.NumCols() != 3 {
		return fmt.Errorf("tensor record has %d columns, want 3", rec.NumCols())
	}
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("column 0 is %T, want string", rec.Column(0))
	}
	shapes, ok := rec.Column(1).(*array.List)
	if !ok {
		return fmt.Errorf("column 1 is %T, want list", rec.Column(1))
	}
	data, ok := rec.Column(2).(*array.List)
	if !ok {
		return fmt.Errorf("column 2 is %T, want list", rec.Column(2))
	}
	shapeVals := shapes.ListValues().(*array.Int64)
	dataVals := data.ListValues().(*array.Float32)

	for row := 0; row < int(rec.NumRows()); row++ {
		name := names.Value(row)

		ss, se := shapes.ValueOffsets(row)
		shape := make([]int, 0, se-ss)
		n := 1
		for i := ss; i < se; i++ {
			d := int(shapeVals.Value(int(i)))
			shape = append(shape, d)
			n *= d
		}

		ds, de := data.ValueOffsets(row)
		if int(de-ds) != n {
			return fmt.Errorf("tensor %q: %d values for shape %v", name, de-ds, shape)
		}
		buf := make([]float32, 0, de-ds)
		for i := ds; i < de; i++ {
			buf = append(buf, dataVals.Value(int(i)))
		}

		tensors[name] = engine.Tensor{Data: buf, Shape: shape}
	}
	return nil
}
