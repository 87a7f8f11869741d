// ABOUTME: Prompt text for the data collection and analysis planning calls.
// ABOUTME: Builds system and user prompts from the question, uploads, metadata and working folder.
package planner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/2389-research/assay/workflow"
)

// collectSystemPrompt frames the data collection call.
const collectSystemPrompt = "You are a data extraction and analysis assistant. Your job is to:\n" +
	"1. Write Python code that scrapes or loads the data needed to answer the user's query. " +
	"If no URLs are given, read the uploaded files listed in the prompt and describe them in the metadata.\n" +
	"2. List all Python libraries that need to be installed for your code to run.\n" +
	"3. Identify and output the main questions the user is asking, so they can be answered after the data is collected.\n\n" +
	"You must respond only with valid JSON following this schema:\n" +
	"{\n" +
	"  \"code\": \"string, Python code as plain text\",\n" +
	"  \"libraries\": [\"string, names of required libraries\"],\n" +
	"  \"questions\": [\"string, extracted questions\"]\n" +
	"}\n" +
	"Do not include explanations, comments, or extra text outside the JSON."

// analysisSystemPrompt frames the analysis call. %s is the working folder.
const analysisSystemPrompt = "You are a data analysis assistant. Your job is to:\n" +
	"1. Write Python code that answers the user's questions using the provided metadata.\n" +
	"2. List all Python libraries that need to be installed for the code to run.\n" +
	"3. Save the final answer to \"%s\".\n\n" +
	"Do not include explanations, comments, or extra text outside the JSON."

// MissingMetadataNote replaces metadata.txt in the analysis prompt when the
// data collection code did not write one.
const MissingMetadataNote = "No metadata file found. Please read data from data.csv."

// maxMetadataBytes caps how much of metadata.txt is sent to the model.
const maxMetadataBytes = 32 * 1024

func collectUserPrompt(question string, uploads []workflow.Upload, folder string) string {
	data := artifactPath(folder, workflow.DataArtifact)
	meta := artifactPath(folder, workflow.MetadataArtifact)

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%q\n\n", question)
	b.WriteString("Uploaded files:\n")
	if len(uploads) == 0 {
		b.WriteString("(none)\n")
	}
	for _, u := range uploads {
		fmt.Fprintf(&b, "- %s: %s (%d bytes)\n", u.Name, u.Path, u.Size)
	}

	b.WriteString("\nYou are a data extraction specialist. " +
		"Generate Python 3 code that loads, scrapes, or reads the data needed to answer the question.\n\n")
	fmt.Fprintf(&b, "1(a). Always store the final dataset as `%s`. Save any other files in `%s` too, "+
		"and add each path with a brief description to `%s`.\n", data, folder, meta)
	fmt.Fprintf(&b, "1(b). Collect metadata about the data (df.info(), df.columns, df.head() and similar) "+
		"in `%s`. Another model will use it to write the analysis code. Create `%s` if it does not exist.\n", meta, folder)
	b.WriteString("2. Do not perform any analysis or answer the question in this step. Only collect data and metadata.\n" +
		"3. The code must be self-contained and runnable without manual edits.\n" +
		"4. Use only the Python standard library plus pandas, numpy, beautifulsoup4 and requests unless something else is necessary.\n" +
		"5. If the data source is a webpage, download and parse it. If it is a CSV or Excel file, read it directly.\n" +
		"6. Keep it simple: just collect the data.\n\n")

	b.WriteString("Return a JSON object with:\n" +
		"1. \"code\": the Python code.\n" +
		"2. \"libraries\": the pip packages to install. Do not list modules that ship with Python, like io.\n" +
		"3. \"questions\": the questions to answer once the data is collected.\n" +
		"The code runs as a standalone script. Do not add comments.\n\n" +
		"Only return JSON in this format:\n" +
		"{\"code\": \"<...>\", \"libraries\": [\"pandas\"], \"questions\": [\"...\"]}\n\n" +
		"Do not try to answer the questions in this step. " +
		"If the question specifies a JSON answer format, copy it into the metadata.")
	return b.String()
}

func analysisUserPrompt(questions []string, metadata, folder string) string {
	data := artifactPath(folder, workflow.DataArtifact)
	result := artifactPath(folder, workflow.ResultArtifact)

	var b strings.Builder
	b.WriteString("Questions:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	fmt.Fprintf(&b, "\nMetadata:\n%s\n\n", metadata)

	b.WriteString("Return a JSON object with:\n")
	fmt.Fprintf(&b, "1. \"code\": Python code that answers the questions by reading `%s`.\n", data)
	b.WriteString("2. \"libraries\": the pip packages to install. Do not list modules that ship with Python, like io.\n" +
		"3. The code runs as a standalone script. Do not add comments.\n" +
		"4. Convert any image or visualization into a base64 encoded PNG and include it in the final JSON result.\n")
	fmt.Fprintf(&b, "5. CRITICAL: before saving the final object to `%s`, convert all pandas or numpy numeric types "+
		"(int64, float64 and so on) to native Python types with int() or float(). "+
		"The json module cannot serialize numpy types.\n\n", result)
	b.WriteString("You must respond only with valid JSON:\n" +
		"{\"code\": \"<...>\", \"libraries\": [\"pandas\"]}\n\n")
	fmt.Fprintf(&b, "Follow the answer format given in the questions and save the final answers in `%s`.", result)
	return b.String()
}

func artifactPath(folder, name string) string {
	return filepath.Join(folder, name)
}
