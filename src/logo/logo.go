package logo

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

// Display prints the banner of the ICD command line tool.
func Display() {
	s, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("WHO", pterm.FgCyan.ToStyle()),
		putils.LettersFromStringWithStyle("ICD", pterm.FgLightMagenta.ToStyle())).Srender()
	pterm.DefaultCenter.Println(s)
	pterm.DefaultCenter.WithCenterEachLineSeparately().
		Println("ICD-10 and ICD-11 API client\nData provided by the World Health Organization.")
}
