// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package styles provides the palette shared by the warning dialog and the CLI.

All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.
Status messages pair a color with an ASCII indicator so they stay readable
without color:

	fmt.Println(styles.RenderWarning("2 attempts remaining"))
	// [!] 2 attempts remaining

Theme detects the color profile of a writer; DisableColor forces plain output
for pipes and --json mode.
*/
package styles
