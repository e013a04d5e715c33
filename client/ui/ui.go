// Package ui holds the terminal presentation helpers shared by the commands.
package ui

import "github.com/fatih/color"

// SectionHeaderColor renders inverted section banners in command output.
var SectionHeaderColor = color.New(color.ReverseVideo, color.Bold)
