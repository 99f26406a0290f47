package vm

import (
	"fmt"
	"os/exec"
	"time"

	"vmtestdriver/pkg/osutil"
)

// magickArgs and tessArgs mirror the preprocessing pipeline the original
// driver shells out to: despeckle/sharpen/posterize the framebuffer dump
// before handing it to tesseract, once per OCR engine mode requested.
const magickArgs = "-filter Catrom -density 72 -resample 300 " +
	"-contrast -normalize -despeckle -type grayscale " +
	"-sharpen 1 -posterize 3 -negate -gamma 100 -blur 1x65535"

// performOCR converts screenshotPath (a PPM) to a TIFF via ImageMagick's
// convert, then runs tesseract once per requested OEM model id, returning
// one text variant per id in order.
func performOCR(screenshotPath string, modelIDs []int) ([]string, error) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		return nil, &OcrUnavailableError{}
	}

	tiffPath := screenshotPath + ".tiff"
	convertCmd := fmt.Sprintf("convert %s %s tiff:%s", magickArgs, screenshotPath, tiffPath)
	if out, err := osutil.RunCmd(time.Minute, "", "sh", "-c", convertCmd); err != nil {
		return nil, fmt.Errorf("TIFF conversion failed: %w\n%s", err, out)
	}

	results := make([]string, 0, len(modelIDs))
	for _, model := range modelIDs {
		cmd := osutil.Command("tesseract", tiffPath, "-",
			"-c", "debug_file=/dev/null", "--psm", "11", "--oem", fmt.Sprint(model))
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("OCR failed for model %d: %w", model, err)
		}
		results = append(results, string(out))
	}
	return results, nil
}
