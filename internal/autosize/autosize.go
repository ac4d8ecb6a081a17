// Package autosize computes default ring-buffer sizes when the operator
// does not pin them explicitly (spec.md §6 "Buffer-size auto-sizing").
package autosize

import (
	"golang.org/x/sys/unix"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
)

// DataSizeExp picks the smallest power-of-two exponent whose size is no
// less than 5% of physical RAM divided by numInputsLocal, clamped to
// [constants.MinDataBufferSizeExp, constants.MaxDataBufferSizeExp].
func DataSizeExp(numInputsLocal int) (uint8, error) {
	if numInputsLocal <= 0 {
		return 0, tsbuild.New("autosize.data_size_exp", tsbuild.CodeConfig, "num_inputs_local must be positive")
	}

	total, err := physicalRAM()
	if err != nil {
		return 0, tsbuild.Wrap("autosize.data_size_exp", tsbuild.CodeConfig, err)
	}

	target := (total * 5 / 100) / uint64(numInputsLocal)
	exp := smallestExpAtLeast(target)

	if exp < constants.MinDataBufferSizeExp {
		exp = constants.MinDataBufferSizeExp
	}
	if exp > constants.MaxDataBufferSizeExp {
		exp = constants.MaxDataBufferSizeExp
	}
	return exp, nil
}

// DescSizeExp picks the descriptor ring's exponent given the chosen data
// size and the typical microslice content size, following spec.md §6:
// target 4x the ratio of data_size to typical_content_size, then clamp
// desc_entries so desc_entries*32/data_size stays within [0.1, 1.0].
func DescSizeExp(dataSizeExp uint8, typicalContentSize uint64) uint8 {
	if typicalContentSize == 0 {
		typicalContentSize = 1
	}
	dataSize := uint64(1) << dataSizeExp
	target := 4 * dataSize / typicalContentSize
	exp := smallestExpAtLeast(target)

	minEntries := dataSize / 10 / constants.TSCDSize
	maxEntries := dataSize / constants.TSCDSize
	for (uint64(1) << exp) < minEntries {
		exp++
	}
	for exp > 0 && (uint64(1)<<exp) > maxEntries {
		exp--
	}
	return exp
}

// smallestExpAtLeast returns the smallest e such that 1<<e >= target.
func smallestExpAtLeast(target uint64) uint8 {
	var exp uint8
	for (uint64(1) << exp) < target {
		exp++
	}
	return exp
}

func physicalRAM() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
