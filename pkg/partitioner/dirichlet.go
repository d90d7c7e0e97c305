package partitioner

import (
	"fmt"

	"github.com/eltociear/flower/pkg/log"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// maxSamplingAttempts bounds the re-draw loop when min partition size is
// not reached; concentration values far below 1 on small datasets can
// otherwise starve a partition indefinitely.
const maxSamplingAttempts = 10

// DirichletPartitioner assigns rows to partitions by sampling per-class
// Dirichlet proportions over the values of a label column. Given the
// same dataset, seed, concentration and flags, the assignment is
// reproducible.
type DirichletPartitioner struct {
	numPartitions    int
	alpha            []float64
	partitionBy      string
	minPartitionSize int
	selfBalancing    bool
	shuffle          bool
	seed             uint64

	ds         Dataset
	partitions [][]int
}

// DirichletOption configures optional partitioner behavior.
type DirichletOption func(*DirichletPartitioner)

// WithMinPartitionSize requires every partition to hold at least m rows;
// sampling is re-drawn up to maxSamplingAttempts times, after which
// materialization fails with an error.
func WithMinPartitionSize(m int) DirichletOption {
	return func(p *DirichletPartitioner) { p.minPartitionSize = m }
}

// WithSelfBalancing zeroes the proportion of any partition already above
// the average target size before applying a class split.
func WithSelfBalancing() DirichletOption {
	return func(p *DirichletPartitioner) { p.selfBalancing = true }
}

// WithShuffle randomizes within-partition index order.
func WithShuffle() DirichletOption {
	return func(p *DirichletPartitioner) { p.shuffle = true }
}

// WithSeed fixes the sampling seed.
func WithSeed(seed uint64) DirichletOption {
	return func(p *DirichletPartitioner) { p.seed = seed }
}

// NewDirichlet creates a Dirichlet partitioner. alpha is either a single
// concentration replicated across partitions or one value per partition.
func NewDirichlet(numPartitions int, alpha []float64, partitionBy string, opts ...DirichletOption) (*DirichletPartitioner, error) {
	if numPartitions <= 0 {
		return nil, fmt.Errorf("number of partitions must be positive, got %d", numPartitions)
	}
	switch len(alpha) {
	case 1:
		replicated := make([]float64, numPartitions)
		for i := range replicated {
			replicated[i] = alpha[0]
		}
		alpha = replicated
	case numPartitions:
	default:
		return nil, fmt.Errorf("alpha must have 1 or %d values, got %d", numPartitions, len(alpha))
	}
	for _, a := range alpha {
		if a <= 0 {
			return nil, fmt.Errorf("concentration values must be positive, got %v", a)
		}
	}
	p := &DirichletPartitioner{
		numPartitions: numPartitions,
		alpha:         alpha,
		partitionBy:   partitionBy,
		seed:          42,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Bind attaches the dataset.
func (p *DirichletPartitioner) Bind(ds Dataset) error {
	if p.partitions != nil {
		return ErrAlreadyBound
	}
	p.ds = ds
	return nil
}

// NumPartitions returns the configured partition count.
func (p *DirichletPartitioner) NumPartitions() (int, error) {
	return p.numPartitions, nil
}

// LoadPartition returns the ordered row indices of one partition,
// materializing the full assignment on first use.
func (p *DirichletPartitioner) LoadPartition(id int) ([]int, error) {
	if err := p.materialize(); err != nil {
		return nil, err
	}
	if err := checkPartitionID(id, p.numPartitions); err != nil {
		return nil, err
	}
	return p.partitions[id], nil
}

// PartitionSizes returns the size of every partition.
func (p *DirichletPartitioner) PartitionSizes() ([]int, error) {
	if err := p.materialize(); err != nil {
		return nil, err
	}
	sizes := make([]int, len(p.partitions))
	for i, part := range p.partitions {
		sizes[i] = len(part)
	}
	return sizes, nil
}

func (p *DirichletPartitioner) materialize() error {
	if p.partitions != nil {
		return nil
	}
	if p.ds == nil {
		return ErrNoDataset
	}
	labels, err := p.ds.Column(p.partitionBy)
	if err != nil {
		return err
	}
	rows := p.ds.NumRows()
	if p.minPartitionSize*p.numPartitions > rows {
		return fmt.Errorf("cannot fit %d partitions of at least %d rows into %d rows",
			p.numPartitions, p.minPartitionSize, rows)
	}

	// Group row indices per class value, preserving first-seen class order.
	byClass := make(map[string][]int)
	var classes []string
	for i, v := range labels {
		if _, seen := byClass[v]; !seen {
			classes = append(classes, v)
		}
		byClass[v] = append(byClass[v], i)
	}

	rng := rand.New(rand.NewSource(p.seed))
	dirichlet := distuv.NewDirichlet(p.alpha, rng)
	avg := float64(rows) / float64(p.numPartitions)
	logger := log.WithComponent("dirichlet-partitioner")

	proportions := make([]float64, p.numPartitions)
	for attempt := 1; attempt <= maxSamplingAttempts; attempt++ {
		parts := make([][]int, p.numPartitions)

		for _, class := range classes {
			dirichlet.Rand(proportions)

			if p.selfBalancing {
				// Zero out partitions already past the average target and
				// renormalize the rest by their explicit sum.
				sum := 0.0
				for i := range proportions {
					if float64(len(parts[i])) > avg {
						proportions[i] = 0
					}
					sum += proportions[i]
				}
				if sum == 0 {
					// All remaining proportions were zeroed; fall back to a
					// uniform split over the not-yet-full partitions.
					open := 0
					for i := range parts {
						if float64(len(parts[i])) <= avg {
							open++
						}
					}
					for i := range proportions {
						if open > 0 && float64(len(parts[i])) <= avg {
							proportions[i] = 1 / float64(open)
						} else {
							proportions[i] = 0
						}
					}
				} else {
					for i := range proportions {
						proportions[i] /= sum
					}
				}
			}

			// Slice this class's indices by cumulative proportion.
			idx := byClass[class]
			cum := 0.0
			start := 0
			for i := 0; i < p.numPartitions; i++ {
				cum += proportions[i]
				end := int(cum * float64(len(idx)))
				if i == p.numPartitions-1 {
					end = len(idx)
				}
				parts[i] = append(parts[i], idx[start:end]...)
				start = end
			}
		}

		if p.minSizeReached(parts) {
			if p.shuffle {
				for _, part := range parts {
					rng.Shuffle(len(part), func(i, j int) {
						part[i], part[j] = part[j], part[i]
					})
				}
			}
			p.partitions = parts
			return nil
		}
		logger.Debug().
			Int("attempt", attempt).
			Int("min_partition_size", p.minPartitionSize).
			Msg("Sampled assignment below minimum partition size, re-drawing")
	}
	return fmt.Errorf("no assignment reached min partition size %d after %d attempts",
		p.minPartitionSize, maxSamplingAttempts)
}

func (p *DirichletPartitioner) minSizeReached(parts [][]int) bool {
	for _, part := range parts {
		if len(part) < p.minPartitionSize {
			return false
		}
	}
	return true
}
