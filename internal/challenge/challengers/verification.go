package challengers

import (
	"crypto/sha256"
	"fmt"
)

// VerificationData lets a caller spot check a solution without comparing
// every element.
type VerificationData struct {
	Digest        string                   `json:"digest"`
	ResultSamples []map[string]interface{} `json:"resultSamples"`
}

// GenerateVerificationData creates verification data for a solution matrix.
func GenerateVerificationData(matrix [][]float64, sampleCount int) VerificationData {
	return VerificationData{
		Digest:        GenerateDigest(matrix),
		ResultSamples: GenerateResultSamples(matrix, sampleCount),
	}
}

// GenerateDigest hashes a matrix printed with six decimals.
func GenerateDigest(matrix [][]float64) string {
	var data []byte
	for i := range matrix {
		for j := range matrix[i] {
			data = append(data, []byte(fmt.Sprintf("%.6f", matrix[i][j]))...)
		}
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("0x%x", hash)
}

// GenerateResultSamples returns up to count values at fixed relative
// positions of the matrix.
func GenerateResultSamples(matrix [][]float64, count int) []map[string]interface{} {
	samples := make([]map[string]interface{}, 0, count)
	if len(matrix) == 0 || len(matrix[0]) == 0 {
		return samples
	}

	rows := len(matrix)
	cols := len(matrix[0])

	positions := [][]int{
		{0, 0},
		{rows / 2, cols / 2},
		{rows - 1, cols - 1},
		{rows / 4, cols / 4},
		{3 * rows / 4, 3 * cols / 4},
	}

	for i := 0; i < count && i < len(positions); i++ {
		row := positions[i][0]
		col := positions[i][1]
		samples = append(samples, map[string]interface{}{
			"row":   row,
			"col":   col,
			"value": matrix[row][col],
		})
	}
	return samples
}
