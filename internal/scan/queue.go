package scan

// jobQueue is a heap of pending jobs ordered by priority, then by
// submission sequence so equal priorities stay FIFO. The standard
// library heap is used directly; none of the caching libraries in the
// tree order by two keys.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if ri, rj := q[i].priority.rank(), q[j].priority.rank(); ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}
