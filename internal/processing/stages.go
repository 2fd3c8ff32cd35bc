package processing

import "github.com/cre-docs/backend/internal/models"

// stageInfo describes how a stage is presented while it runs. progress is
// the value shown once the stage starts; it increases along the pipeline.
type stageInfo struct {
	id       string
	name     string
	running  string
	progress int
}

var stages = []stageInfo{
	{id: models.StageClassification, name: "Document classification", running: "Classifying document...", progress: 10},
	{id: models.StageRegions, name: "Region suggestion", running: "Suggesting regions...", progress: 30},
	{id: models.StageExtraction, name: "Data extraction", running: "Extracting data...", progress: 50},
	{id: models.StageValidation, name: "Data validation", running: "Validating data...", progress: 70},
	{id: models.StageQuality, name: "Quality scoring", running: "Calculating quality score...", progress: 80},
}

func stageByID(id string) stageInfo {
	for _, s := range stages {
		if s.id == id {
			return s
		}
	}
	return stageInfo{id: id, name: id}
}
