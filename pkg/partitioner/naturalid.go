package partitioner

import "sort"

// NaturalIDPartitioner assigns one partition per unique value of a
// column, e.g. a writer or speaker id. Partition order follows the
// sorted unique values so the assignment is stable across runs.
type NaturalIDPartitioner struct {
	partitionBy string
	ds          Dataset
	partitions  [][]int
	ids         []string
}

// NewNaturalID creates a partitioner keyed by the given column.
func NewNaturalID(partitionBy string) *NaturalIDPartitioner {
	return &NaturalIDPartitioner{partitionBy: partitionBy}
}

// Bind attaches the dataset.
func (p *NaturalIDPartitioner) Bind(ds Dataset) error {
	if p.partitions != nil {
		return ErrAlreadyBound
	}
	p.ds = ds
	return nil
}

// NumPartitions returns the number of unique ids, materializing first.
func (p *NaturalIDPartitioner) NumPartitions() (int, error) {
	if err := p.materialize(); err != nil {
		return 0, err
	}
	return len(p.partitions), nil
}

// PartitionID returns the natural id backing a partition.
func (p *NaturalIDPartitioner) PartitionID(id int) (string, error) {
	if err := p.materialize(); err != nil {
		return "", err
	}
	if err := checkPartitionID(id, len(p.ids)); err != nil {
		return "", err
	}
	return p.ids[id], nil
}

// LoadPartition returns the ordered row indices of one partition.
func (p *NaturalIDPartitioner) LoadPartition(id int) ([]int, error) {
	if err := p.materialize(); err != nil {
		return nil, err
	}
	if err := checkPartitionID(id, len(p.partitions)); err != nil {
		return nil, err
	}
	return p.partitions[id], nil
}

// PartitionSizes returns the size of every partition.
func (p *NaturalIDPartitioner) PartitionSizes() ([]int, error) {
	if err := p.materialize(); err != nil {
		return nil, err
	}
	sizes := make([]int, len(p.partitions))
	for i, part := range p.partitions {
		sizes[i] = len(part)
	}
	return sizes, nil
}

func (p *NaturalIDPartitioner) materialize() error {
	if p.partitions != nil {
		return nil
	}
	if p.ds == nil {
		return ErrNoDataset
	}
	col, err := p.ds.Column(p.partitionBy)
	if err != nil {
		return err
	}

	byID := make(map[string][]int)
	for i, v := range col {
		byID[v] = append(byID[v], i)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p.ids = ids
	p.partitions = make([][]int, len(ids))
	for i, id := range ids {
		p.partitions[i] = byID[id]
	}
	return nil
}
