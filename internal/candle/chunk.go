package candle

import "time"

type DateRange struct {
	From time.Time
	To   time.Time
}

// SplitDateRange cuts [from, to] into windows of at most chunk length. The
// last window ends exactly at to. Intraday boundaries are preserved, so a
// 09:15 to 15:30 range split by days keeps its times of day.
func SplitDateRange(from, to time.Time, chunk time.Duration) []DateRange {
	if from.After(to) || chunk <= 0 {
		return nil
	}

	var chunks []DateRange
	for cur := from; !cur.After(to); cur = cur.Add(chunk) {
		end := cur.Add(chunk - time.Second)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, DateRange{From: cur, To: end})
		if !end.Before(to) {
			break
		}
	}
	return chunks
}
