package partitioner

import (
	"errors"
	"fmt"
)

// Dataset is the minimal view of a dataset the partitioners need: a row
// count and named columns of stringified values.
type Dataset interface {
	NumRows() int
	Column(name string) ([]string, error)
}

// Partitioner assigns dataset row indices to node partitions. The full
// node-to-indices table is materialized on the first LoadPartition call
// and immutable afterwards. Every row index appears in exactly one
// partition.
type Partitioner interface {
	// Bind attaches the dataset. Must be called before any partition is
	// loaded; rebinding after materialization is an error.
	Bind(ds Dataset) error

	// NumPartitions returns the number of partitions, materializing the
	// assignment if it depends on the data.
	NumPartitions() (int, error)

	// LoadPartition returns the ordered row indices of one partition.
	LoadPartition(id int) ([]int, error)

	// PartitionSizes returns the recorded size of every partition.
	PartitionSizes() ([]int, error)
}

var (
	// ErrNoDataset is returned when a partition is requested before Bind.
	ErrNoDataset = errors.New("no dataset bound")

	// ErrAlreadyBound is returned on rebinding after materialization.
	ErrAlreadyBound = errors.New("partitioner already materialized")
)

func checkPartitionID(id, num int) error {
	if id < 0 || id >= num {
		return fmt.Errorf("partition id %d out of range [0, %d)", id, num)
	}
	return nil
}

// TableDataset is an in-memory Dataset for simulations and tests.
type TableDataset struct {
	rows    int
	columns map[string][]string
}

// NewTableDataset creates a dataset with the given row count.
func NewTableDataset(rows int) *TableDataset {
	return &TableDataset{rows: rows, columns: make(map[string][]string)}
}

// WithColumn attaches a column; its length must match the row count.
func (d *TableDataset) WithColumn(name string, values []string) *TableDataset {
	d.columns[name] = values
	return d
}

// NumRows returns the number of rows.
func (d *TableDataset) NumRows() int { return d.rows }

// Column returns the named column.
func (d *TableDataset) Column(name string) ([]string, error) {
	col, ok := d.columns[name]
	if !ok {
		return nil, fmt.Errorf("dataset has no column %q", name)
	}
	if len(col) != d.rows {
		return nil, fmt.Errorf("column %q has %d values, dataset has %d rows", name, len(col), d.rows)
	}
	return col, nil
}
