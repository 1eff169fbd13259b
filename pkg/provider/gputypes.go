package provider

import "sort"

var (
	rtx4000Regions = []string{"de-fra-2", "fr-par", "in-bom-2", "jp-osa", "sg-sin-2", "us-ord", "us-sea"}
	rtx6000Regions = []string{"ap-south", "ap-west", "eu-central", "us-east", "us-southeast"}
)

// linodeGPUTypes is used when the types endpoint is unreachable.
var linodeGPUTypes = map[string]VMType{
	"g2-gpu-rtx4000a1-s": {Label: "RTX 4000 Ada x1 Small", GPUs: 1, GPUMemGB: 20, HourlyCost: 0.52, Regions: rtx4000Regions},
	"g2-gpu-rtx4000a2-s": {Label: "RTX 4000 Ada x2 Small", GPUs: 2, GPUMemGB: 20, HourlyCost: 1.04, Regions: rtx4000Regions},
	"g2-gpu-rtx4000a4-m": {Label: "RTX 4000 Ada x4 Medium", GPUs: 4, GPUMemGB: 20, HourlyCost: 2.08, Regions: rtx4000Regions},
	"g1-gpu-rtx6000-1":   {Label: "Dedicated 32GB + RTX6000 GPU x1", GPUs: 1, GPUMemGB: 48, HourlyCost: 1.50, Regions: rtx6000Regions},
	"g1-gpu-rtx6000-2":   {Label: "Dedicated 64GB + RTX6000 GPU x2", GPUs: 2, GPUMemGB: 48, HourlyCost: 3.00, Regions: rtx6000Regions},
	"g1-gpu-rtx6000-3":   {Label: "Dedicated 96GB + RTX6000 GPU x3", GPUs: 3, GPUMemGB: 48, HourlyCost: 4.50, Regions: rtx6000Regions},
	"g1-gpu-rtx6000-4":   {Label: "Dedicated 128GB + RTX6000 GPU x4", GPUs: 4, GPUMemGB: 48, HourlyCost: 6.00, Regions: rtx6000Regions},
}

func staticLinodeTypes() []VMType {
	out := make([]VMType, 0, len(linodeGPUTypes))
	for id, t := range linodeGPUTypes {
		t.ID = id
		out = append(out, t)
	}
	sortTypes(out)
	return out
}

// linodeGPUMemory returns the per-GPU memory for a type id family, or 0.
func linodeGPUMemory(id string) int {
	if t, ok := linodeGPUTypes[id]; ok {
		return t.GPUMemGB
	}
	return 0
}

func linodeRegions(id string) []string {
	if t, ok := linodeGPUTypes[id]; ok {
		return t.Regions
	}
	return nil
}

func sortTypes(types []VMType) {
	sort.Slice(types, func(i, j int) bool {
		if types[i].HourlyCost != types[j].HourlyCost {
			return types[i].HourlyCost < types[j].HourlyCost
		}
		return types[i].ID < types[j].ID
	})
}
