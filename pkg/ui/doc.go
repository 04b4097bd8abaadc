// Package ui holds the terminal presentation of tilegrab: styled messages,
// per-zoom progress bars and the plan and summary reports.
package ui
